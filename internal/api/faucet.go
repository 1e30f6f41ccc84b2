package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/custody"
)

// Wallets is an in-process custodian that can mint into user wallets.
// custody.Memory satisfies it.
type Wallets interface {
	Fund(a custody.Account, amount decimal.Decimal)
	Balance(a custody.Account) decimal.Decimal
}

// Faucet exposes user wallet funding for development deployments that run
// with the in-process custodian.
type Faucet struct {
	wallets Wallets
}

func NewFaucet(w Wallets) *Faucet {
	return &Faucet{wallets: w}
}

type fundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type walletResponse struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// Routes registers the faucet endpoints.
func (f *Faucet) Routes(r chi.Router) {
	r.Get("/wallets/{userID}", f.GetWallet)
	r.Post("/wallets/{userID}/fund", f.Fund)
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (f *Faucet) GetWallet(w http.ResponseWriter, r *http.Request) {
	acct := custody.UserAccount(chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, walletResponse{Account: string(acct), Balance: f.wallets.Balance(acct)})
}

// Fund handles POST /api/v1/wallets/{userID}/fund
func (f *Faucet) Fund(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	acct := custody.UserAccount(userID)
	f.wallets.Fund(acct, req.Amount)
	writeJSON(w, http.StatusOK, walletResponse{Account: string(acct), Balance: f.wallets.Balance(acct)})
}
