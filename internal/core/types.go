package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderState string

type Visibility string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
)

// Visibility of an order's fills in the exchange trade history.
const (
	FillsFound         Visibility = "found"
	FillsNotYetVisible Visibility = "not_yet_visible"
	FillsNotFound      Visibility = "not_found"
)

// Pair is a tradable market: Asset priced in Currency.
type Pair struct {
	Asset    string
	Currency string
}

func NewPair(asset, currency string) Pair {
	return Pair{
		Asset:    strings.ToUpper(strings.TrimSpace(asset)),
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
}

// Book is the lowercase wire-level market key, e.g. btc_mxn.
func (p Pair) Book() string {
	return strings.ToLower(p.Asset) + "_" + strings.ToLower(p.Currency)
}

func (p Pair) String() string {
	return p.Asset + "/" + p.Currency
}

// MarketConstraints are the minimal increments and order value of one pair.
type MarketConstraints struct {
	Amount decimal.Decimal
	Price  decimal.Decimal
	Order  decimal.Decimal
}

type Market struct {
	Pair        Pair
	Constraints MarketConstraints
}

type Trade struct {
	ID     string
	Time   time.Time
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Unix returns the trade timestamp in unix seconds.
func (t Trade) Unix() int64 {
	return t.Time.Unix()
}

type Ticker struct {
	Ask decimal.Decimal
	Bid decimal.Decimal
}

type Balance struct {
	Name   string
	Amount decimal.Decimal
}

// Portfolio holds the traded asset first, then the quote currency.
type Portfolio struct {
	Asset    Balance
	Currency Balance
}

func (p Portfolio) Balances() []Balance {
	return []Balance{p.Asset, p.Currency}
}

type OrderStatus struct {
	State        OrderState
	Open         bool
	Executed     bool
	FilledAmount decimal.Decimal
}

type OrderFills struct {
	OrderID    string
	Visibility Visibility
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Date       time.Time
	Fees       map[string]decimal.Decimal
	FeePercent decimal.Decimal
}

// CancelResult reports Filled when the order executed before the cancel applied.
type CancelResult struct {
	Filled bool
}

type Capabilities struct {
	Name                      string
	Slug                      string
	Currencies                []string
	Assets                    []string
	Markets                   []Market
	Requires                  []string
	TID                       string
	Tradable                  bool
	BrokerCompat              string
	LimitedCancelConfirmation bool
}
