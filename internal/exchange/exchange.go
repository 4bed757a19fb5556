package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"bitso-adapter/internal/core"
)

// Adapter is the uniform trading surface a broker drives. Every method
// returns a canonical result or a terminal error; transient failures are
// retried inside the adapter.
type Adapter interface {
	Name() string
	Pair() core.Pair
	Capabilities() core.Capabilities

	GetTicker(ctx context.Context) (core.Ticker, error)
	GetPortfolio(ctx context.Context) (core.Portfolio, error)
	GetFee(ctx context.Context) (decimal.Decimal, error)
	GetTrades(ctx context.Context, since time.Time, descending bool) ([]core.Trade, error)

	PlaceOrder(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error)
	GetOrderFills(ctx context.Context, orderID string) (core.OrderFills, error)
	CheckOrder(ctx context.Context, orderID string) (core.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error)

	RoundAmount(amount decimal.Decimal) decimal.Decimal
	RoundPrice(price decimal.Decimal) decimal.Decimal
	IsValidPrice(price decimal.Decimal) bool
	IsValidLot(price, amount decimal.Decimal) bool
	OutbidPrice(price decimal.Decimal, isUp bool) decimal.Decimal
}

// Operation names shared by the classifier, logs and spans.
const (
	OpGetTicker     = "getTicker"
	OpGetPortfolio  = "getPortfolio"
	OpGetFee        = "getFee"
	OpGetTrades     = "getTrades"
	OpPlaceOrder    = "placeOrder"
	OpGetOrderFills = "getOrderFills"
	OpCheckOrder    = "checkOrder"
	OpCancelOrder   = "cancelOrder"
)
