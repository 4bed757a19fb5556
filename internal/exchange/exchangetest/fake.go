// Package exchangetest provides an in-memory exchange.Adapter for tests of
// adapter decorators.
package exchangetest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
)

// Fake answers every operation from its function fields. A nil field
// returns the zero value and no error.
type Fake struct {
	PairValue   core.Pair
	Constraints core.MarketConstraints

	TickerFn    func(ctx context.Context) (core.Ticker, error)
	PortfolioFn func(ctx context.Context) (core.Portfolio, error)
	FeeFn       func(ctx context.Context) (decimal.Decimal, error)
	TradesFn    func(ctx context.Context, since time.Time, descending bool) ([]core.Trade, error)
	PlaceFn     func(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error)
	FillsFn     func(ctx context.Context, orderID string) (core.OrderFills, error)
	CheckFn     func(ctx context.Context, orderID string) (core.OrderStatus, error)
	CancelFn    func(ctx context.Context, orderID string) (core.CancelResult, error)

	mu    sync.Mutex
	calls map[string]int
}

var _ exchange.Adapter = (*Fake)(nil)

// Calls returns how often op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Pair() core.Pair { return f.PairValue }

func (f *Fake) Capabilities() core.Capabilities {
	return core.Capabilities{Name: "Fake", Slug: "fake", Tradable: true}
}

func (f *Fake) GetTicker(ctx context.Context) (core.Ticker, error) {
	f.record(exchange.OpGetTicker)
	if f.TickerFn == nil {
		return core.Ticker{}, nil
	}
	return f.TickerFn(ctx)
}

func (f *Fake) GetPortfolio(ctx context.Context) (core.Portfolio, error) {
	f.record(exchange.OpGetPortfolio)
	if f.PortfolioFn == nil {
		return core.Portfolio{}, nil
	}
	return f.PortfolioFn(ctx)
}

func (f *Fake) GetFee(ctx context.Context) (decimal.Decimal, error) {
	f.record(exchange.OpGetFee)
	if f.FeeFn == nil {
		return decimal.Zero, nil
	}
	return f.FeeFn(ctx)
}

func (f *Fake) GetTrades(ctx context.Context, since time.Time, descending bool) ([]core.Trade, error) {
	f.record(exchange.OpGetTrades)
	if f.TradesFn == nil {
		return nil, nil
	}
	return f.TradesFn(ctx, since, descending)
}

func (f *Fake) PlaceOrder(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error) {
	f.record(exchange.OpPlaceOrder)
	if f.PlaceFn == nil {
		return "", nil
	}
	return f.PlaceFn(ctx, side, amount, price)
}

func (f *Fake) GetOrderFills(ctx context.Context, orderID string) (core.OrderFills, error) {
	f.record(exchange.OpGetOrderFills)
	if f.FillsFn == nil {
		return core.OrderFills{OrderID: orderID}, nil
	}
	return f.FillsFn(ctx, orderID)
}

func (f *Fake) CheckOrder(ctx context.Context, orderID string) (core.OrderStatus, error) {
	f.record(exchange.OpCheckOrder)
	if f.CheckFn == nil {
		return core.OrderStatus{}, nil
	}
	return f.CheckFn(ctx, orderID)
}

func (f *Fake) CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error) {
	f.record(exchange.OpCancelOrder)
	if f.CancelFn == nil {
		return core.CancelResult{}, nil
	}
	return f.CancelFn(ctx, orderID)
}

func (f *Fake) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return f.Constraints.RoundAmount(amount)
}

func (f *Fake) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return f.Constraints.RoundPrice(price)
}

func (f *Fake) IsValidPrice(price decimal.Decimal) bool {
	return f.Constraints.IsValidPrice(price)
}

func (f *Fake) IsValidLot(price, amount decimal.Decimal) bool {
	return f.Constraints.IsValidLot(price, amount)
}

func (f *Fake) OutbidPrice(price decimal.Decimal, isUp bool) decimal.Decimal {
	return f.Constraints.OutbidPrice(price, isUp)
}
