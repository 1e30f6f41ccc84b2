package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownPool            = errors.New("model: unknown pool")
	ErrUnknownTransactionKind = errors.New("model: unknown transaction kind")
)

// PoolID identifies one of the fixed pools. The zero value is not a valid pool.
type PoolID uint8

const (
	PoolEthereum PoolID = iota + 1
	PoolBNB
	PoolSolana
	PoolPolygon
)

type poolInfo struct {
	code   string
	name   string
	symbol string // reference-price ticker
}

var poolTable = map[PoolID]poolInfo{
	PoolEthereum: {code: "ethereum", name: "Ethereum", symbol: "ETHUSDT"},
	PoolBNB:      {code: "bnb", name: "BNB", symbol: "BNBUSDT"},
	PoolSolana:   {code: "solana", name: "Solana", symbol: "SOLUSDT"},
	PoolPolygon:  {code: "polygon", name: "Polygon", symbol: "POLUSDT"},
}

// canonicalPools is the fixed order used for settlement inputs.
var canonicalPools = []PoolID{PoolEthereum, PoolBNB, PoolSolana, PoolPolygon}

// CanonicalPools returns every pool in canonical order.
func CanonicalPools() []PoolID {
	out := make([]PoolID, len(canonicalPools))
	copy(out, canonicalPools)
	return out
}

// ParsePoolID maps a pool code such as "solana" to its PoolID.
func ParsePoolID(code string) (PoolID, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	for id, info := range poolTable {
		if info.code == c {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPool, code)
}

// Valid reports whether p is one of the known pools.
func (p PoolID) Valid() bool {
	_, ok := poolTable[p]
	return ok
}

// Rank is the position of p in canonical order, or -1.
func (p PoolID) Rank() int {
	for i, id := range canonicalPools {
		if id == p {
			return i
		}
	}
	return -1
}

func (p PoolID) String() string {
	if info, ok := poolTable[p]; ok {
		return info.code
	}
	return fmt.Sprintf("pool(%d)", uint8(p))
}

// DisplayName is the human-readable pool name.
func (p PoolID) DisplayName() string {
	return poolTable[p].name
}

// Symbol is the ticker used to look up the pool asset's reference price.
func (p PoolID) Symbol() string {
	return poolTable[p].symbol
}

func (p PoolID) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *PoolID) UnmarshalText(b []byte) error {
	id, err := ParsePoolID(string(b))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// TransactionKind tags a TransactionRecord.
type TransactionKind uint8

const (
	TxDeposit TransactionKind = iota + 1
	TxWithdrawal
)

var txKindNames = map[TransactionKind]string{
	TxDeposit:    "deposit",
	TxWithdrawal: "withdrawal",
}

func (k TransactionKind) String() string {
	if s, ok := txKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseTransactionKind maps "deposit"/"withdrawal" to a TransactionKind.
func ParseTransactionKind(s string) (TransactionKind, error) {
	for k, name := range txKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTransactionKind, s)
}

func (k TransactionKind) MarshalJSON() ([]byte, error) {
	s, ok := txKindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransactionKind, uint8(k))
	}
	return json.Marshal(s)
}

func (k *TransactionKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTransactionKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// PayoutKind distinguishes a proportional share from the single bonus payout.
type PayoutKind string

const (
	PayoutShare PayoutKind = "share"
	PayoutBonus PayoutKind = "bonus"
)
