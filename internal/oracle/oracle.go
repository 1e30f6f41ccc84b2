// Package oracle supplies the external reference prices consumed during
// round settlement.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coinwar/settlement-engine/internal/model"
)

var (
	ErrNoPrice      = errors.New("oracle: no price for pool")
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// Source returns the current reference price of a pool's asset.
type Source interface {
	ReferencePrice(ctx context.Context, pool model.PoolID) (decimal.Decimal, error)
}

// Quotes fetches a reference price for every pool concurrently and returns
// them in the order of pools.
func Quotes(ctx context.Context, src Source, pools []model.PoolID) ([]model.Quote, error) {
	quotes := make([]model.Quote, len(pools))
	g, ctx := errgroup.WithContext(ctx)
	for i, id := range pools {
		g.Go(func() error {
			price, err := src.ReferencePrice(ctx, id)
			if err != nil {
				return fmt.Errorf("reference price %s: %w", id, err)
			}
			if !price.IsPositive() {
				return fmt.Errorf("reference price %s: %w", id, ErrInvalidPrice)
			}
			quotes[i] = model.Quote{Pool: id, Value: price}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

// Static is a fixed price table. Useful for tests and manual settlement.
type Static struct {
	mu     sync.RWMutex
	prices map[model.PoolID]decimal.Decimal
}

// NewStatic creates a Static source from a price table.
func NewStatic(prices map[model.PoolID]decimal.Decimal) *Static {
	s := &Static{prices: make(map[model.PoolID]decimal.Decimal, len(prices))}
	for id, p := range prices {
		s.prices[id] = p
	}
	return s
}

// Set updates one pool's price.
func (s *Static) Set(pool model.PoolID, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pool] = price
}

func (s *Static) ReferencePrice(_ context.Context, pool model.PoolID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[pool]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, pool)
	}
	return p, nil
}

// HTTPSource polls a Binance-compatible ticker endpoint:
//
//	GET {Endpoint}?symbol=ETHUSDT -> {"symbol":"ETHUSDT","price":"2512.34"}
type HTTPSource struct {
	HTTP     *http.Client
	Endpoint string
}

// NewHTTPSource creates an HTTP price source with a 10s client timeout.
func NewHTTPSource(endpoint string) *HTTPSource {
	return &HTTPSource{
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		Endpoint: strings.TrimSpace(endpoint),
	}
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (s *HTTPSource) ReferencePrice(ctx context.Context, pool model.PoolID) (decimal.Decimal, error) {
	if !pool.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUnknownPool, pool)
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle endpoint: %w", err)
	}
	q := u.Query()
	q.Set("symbol", pool.Symbol())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrNoPrice, pool.Symbol(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: %s: status %d", ErrNoPrice, pool.Symbol(), resp.StatusCode)
	}

	var body tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode %s: %v", ErrNoPrice, pool.Symbol(), err)
	}
	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: parse %s price %q: %v", ErrNoPrice, pool.Symbol(), body.Price, err)
	}
	return price, nil
}
