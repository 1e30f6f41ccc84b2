// Package api exposes the settlement engine over HTTP (chi) and streams
// committed events over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/engine"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/oracle"
	"github.com/coinwar/settlement-engine/internal/settlement"
	"github.com/coinwar/settlement-engine/internal/store"
)

// Handler serves the engine's operations. Authorization happens in front
// of it.
type Handler struct {
	engine *engine.Engine
	oracle oracle.Source
}

// NewHandler creates a handler. src supplies reference prices when a
// selection or settlement request does not carry them.
func NewHandler(eng *engine.Engine, src oracle.Source) *Handler {
	return &Handler{engine: eng, oracle: src}
}

// Routes registers every endpoint on r, relative to the API prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/pools", h.ListPools)
	r.Post("/pools", h.CreatePool)
	r.Get("/pools/{poolID}", h.GetPool)
	r.Post("/pools/{poolID}/yield", h.RecordYield)

	r.Post("/users", h.CreateUser)
	r.Get("/users/{userID}", h.GetUser)
	r.Get("/users/{userID}/transactions", h.ListTransactions)
	r.Get("/users/{userID}/payouts", h.ListUserPayouts)

	r.Post("/deposit", h.Deposit)
	r.Post("/withdraw", h.Withdraw)
	r.Post("/prediction", h.MakePrediction)

	r.Get("/rounds", h.ListRounds)
	r.Post("/rounds", h.OpenRound)
	r.Get("/rounds/current", h.CurrentRound)
	r.Get("/rounds/current/predictions", h.CurrentPredictions)
	r.Post("/rounds/current/select", h.SelectWinningPool)
	r.Post("/rounds/current/payouts", h.PayWinningPoolUser)
	r.Post("/rounds/current/bonus", h.PayBonus)
	r.Post("/rounds/current/finish", h.FinishRound)
	r.Post("/rounds/current/settle", h.SettleRound)
	r.Get("/rounds/{roundID}/payouts", h.ListPayouts)

	r.Get("/invariants", h.CheckInvariants)
}

// --- Request types ---

type createPoolRequest struct {
	Pool model.PoolID `json:"pool"`
}

type createUserRequest struct {
	ID string `json:"id"`
}

type yieldRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type openRoundRequest struct {
	Start *time.Time `json:"start,omitempty"` // defaults to now
}

// SelectRequest carries the pools' predictions and reference prices in
// canonical order. Either may be omitted: predictions default to the
// pools' current averages, prices to the configured oracle.
type SelectRequest struct {
	Predictions []model.Quote `json:"predictions,omitempty"`
	Prices      []model.Quote `json:"prices,omitempty"`
}

// PayoutRequest is the JSON body for POST /rounds/current/payouts.
type PayoutRequest struct {
	UserID      string          `json:"user_id"`
	PrizeAmount decimal.Decimal `json:"prize_amount"`
}

type bonusRequest struct {
	UserID string `json:"user_id,omitempty"` // empty: picked by balance
}

// --- Pools & users ---

// ListPools handles GET /api/v1/pools
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.engine.ListPools(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// CreatePool handles POST /api/v1/pools
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := h.engine.CreatePool(r.Context(), req.Pool)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParsePoolID(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	pool, err := h.engine.GetPool(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// RecordYield handles POST /api/v1/pools/{poolID}/yield
func (h *Handler) RecordYield(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParsePoolID(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	var req yieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := h.engine.RecordYield(r.Context(), id, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := h.engine.CreateUser(r.Context(), req.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.engine.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListTransactions handles GET /api/v1/users/{userID}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.engine.ListTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListUserPayouts handles GET /api/v1/users/{userID}/payouts
func (h *Handler) ListUserPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.engine.ListUserPayouts(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// --- Deposits, withdrawals, predictions ---

// Deposit handles POST /api/v1/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req engine.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	res, err := h.engine.Deposit(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Withdraw handles POST /api/v1/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req engine.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	res, err := h.engine.Withdraw(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MakePrediction handles POST /api/v1/prediction
func (h *Handler) MakePrediction(w http.ResponseWriter, r *http.Request) {
	var req engine.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := h.engine.MakePrediction(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// --- Rounds ---

// ListRounds handles GET /api/v1/rounds
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.engine.ListRounds(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// OpenRound handles POST /api/v1/rounds
func (h *Handler) OpenRound(w http.ResponseWriter, r *http.Request) {
	var req openRoundRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	start := time.Now().UTC()
	if req.Start != nil {
		start = *req.Start
	}
	round, err := h.engine.OpenRound(r.Context(), start)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

// CurrentRound handles GET /api/v1/rounds/current
func (h *Handler) CurrentRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.engine.CurrentRound(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// CurrentPredictions handles GET /api/v1/rounds/current/predictions
func (h *Handler) CurrentPredictions(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.engine.CurrentPredictions(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// SelectWinningPool handles POST /api/v1/rounds/current/select
func (h *Handler) SelectWinningPool(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	predictions := req.Predictions
	if predictions == nil {
		var err error
		if predictions, err = h.engine.CurrentPredictions(ctx); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	prices := req.Prices
	if prices == nil {
		if h.oracle == nil {
			writeError(w, "prices are required: no oracle configured", http.StatusBadRequest)
			return
		}
		ids := make([]model.PoolID, len(predictions))
		for i, q := range predictions {
			ids[i] = q.Pool
		}
		var err error
		if prices, err = oracle.Quotes(ctx, h.oracle, ids); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	round, err := h.engine.SelectWinningPool(ctx, predictions, prices)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// PayWinningPoolUser handles POST /api/v1/rounds/current/payouts
func (h *Handler) PayWinningPoolUser(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payout, err := h.engine.PayWinningPoolUser(r.Context(), req.UserID, req.PrizeAmount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// PayBonus handles POST /api/v1/rounds/current/bonus
func (h *Handler) PayBonus(w http.ResponseWriter, r *http.Request) {
	var req bonusRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payout, err := h.engine.PayBonus(r.Context(), req.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// FinishRound handles POST /api/v1/rounds/current/finish
func (h *Handler) FinishRound(w http.ResponseWriter, r *http.Request) {
	next, err := h.engine.FinishRound(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// SettleRound handles POST /api/v1/rounds/current/settle
func (h *Handler) SettleRound(w http.ResponseWriter, r *http.Request) {
	if h.oracle == nil {
		writeError(w, "no oracle configured", http.StatusServiceUnavailable)
		return
	}
	next, err := h.engine.SettleRound(r.Context(), h.oracle)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// ListPayouts handles GET /api/v1/rounds/{roundID}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roundID"), 10, 64)
	if err != nil {
		writeError(w, "invalid round id", http.StatusBadRequest)
		return
	}
	payouts, err := h.engine.ListPayouts(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// CheckInvariants handles GET /api/v1/invariants
func (h *Handler) CheckInvariants(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.CheckInvariants(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Responses ---

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrPoolNotFound),
		errors.Is(err, engine.ErrUserNotFound),
		errors.Is(err, engine.ErrNoRound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, engine.ErrInvalidUserID),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrBelowMinimum),
		errors.Is(err, engine.ErrInvalidPrediction),
		errors.Is(err, model.ErrUnknownPool),
		errors.Is(err, settlement.ErrNoPools),
		errors.Is(err, settlement.ErrLengthMismatch),
		errors.Is(err, settlement.ErrOutOfOrder):
		return http.StatusBadRequest

	case errors.Is(err, engine.ErrAlreadyInitialized),
		errors.Is(err, engine.ErrUserExists),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrNotInPool),
		errors.Is(err, engine.ErrRoundExists),
		errors.Is(err, engine.ErrRoundNotOpen),
		errors.Is(err, engine.ErrRoundEnded),
		errors.Is(err, engine.ErrRoundInProgress),
		errors.Is(err, engine.ErrRoundNotResolving),
		errors.Is(err, engine.ErrNotWinner),
		errors.Is(err, engine.ErrAlreadyPaid),
		errors.Is(err, engine.ErrPayoutIncomplete),
		errors.Is(err, engine.ErrPrizeExceeded),
		errors.Is(err, engine.ErrInvariant),
		errors.Is(err, settlement.ErrZeroTotal),
		errors.Is(err, settlement.ErrNoCandidates):
		return http.StatusConflict

	case errors.Is(err, custody.ErrTransferFailed),
		errors.Is(err, oracle.ErrNoPrice),
		errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with the mapped status. Unclassified errors
// are logged and reported without detail.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
