package core

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinPrice    = errors.New("price below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

const (
	// DefaultPrecision is used when a tick size has no exact short decimal form.
	DefaultPrecision = 8
	maxPrecision     = 15
)

// PrecisionOf counts the decimal places of tickSize, so 0.001 and 0.234 both give 3.
func PrecisionOf(tickSize float64) int {
	if math.IsNaN(tickSize) || math.IsInf(tickSize, 0) {
		return 0
	}
	e := 1.0
	for p := 0; p <= maxPrecision; p++ {
		if math.Round(tickSize*e)/e == tickSize {
			return p
		}
		e *= 10
	}
	return DefaultPrecision
}

// Round truncates amount toward zero at the precision implied by tickSize.
// The result never exceeds amount in magnitude.
func Round(amount, tickSize decimal.Decimal) decimal.Decimal {
	precision := DefaultPrecision
	if tickSize.Sign() > 0 {
		precision = PrecisionOf(tickSize.InexactFloat64())
	}
	return amount.Truncate(int32(precision))
}

func (m MarketConstraints) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return Round(amount, m.Amount)
}

func (m MarketConstraints) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return Round(price, m.Price)
}

func (m MarketConstraints) IsValidPrice(price decimal.Decimal) bool {
	return price.Cmp(m.Price) >= 0
}

// IsValidLot reports whether the notional value price*amount reaches the minimum order value.
func (m MarketConstraints) IsValidLot(price, amount decimal.Decimal) bool {
	return price.Mul(amount).Cmp(m.Order) >= 0
}

// OutbidPrice moves price one tick up or down and re-rounds it.
func (m MarketConstraints) OutbidPrice(price decimal.Decimal, isUp bool) decimal.Decimal {
	if isUp {
		return m.RoundPrice(price.Add(m.Price))
	}
	return m.RoundPrice(price.Sub(m.Price))
}

// NormalizeOrder rounds a limit order to exchange-legal values and checks the minimums.
func NormalizeOrder(price, amount decimal.Decimal, m MarketConstraints) (decimal.Decimal, decimal.Decimal, error) {
	if amount.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return price, amount, ErrInvalidOrder
	}
	price = m.RoundPrice(price)
	amount = m.RoundAmount(amount)
	if amount.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return price, amount, ErrInvalidOrder
	}
	if !m.IsValidPrice(price) {
		return price, amount, ErrBelowMinPrice
	}
	if !m.IsValidLot(price, amount) {
		return price, amount, ErrBelowMinNotional
	}
	return price, amount, nil
}
