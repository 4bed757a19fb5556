package bitso

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitso-adapter/internal/core"
)

// StatusMap maps lowercase raw order statuses to canonical states.
type StatusMap map[string]core.OrderState

// DefaultStatusMap covers the statuses the exchange is known to report,
// including variants seen on older API versions.
func DefaultStatusMap() StatusMap {
	return StatusMap{
		"open":             core.OrderOpen,
		"queued":           core.OrderOpen,
		"partial-fill":     core.OrderPartiallyFilled,
		"partially filled": core.OrderPartiallyFilled,
		"partially_filled": core.OrderPartiallyFilled,
		"completed":        core.OrderFilled,
		"closed":           core.OrderFilled,
		"cancelled":        core.OrderCancelled,
		"canceled":         core.OrderCancelled,
		"rejected":         core.OrderCancelled,
		"expired":          core.OrderCancelled,
	}
}

// WithOverrides returns a copy of m with raw -> state entries applied.
func (m StatusMap) WithOverrides(overrides map[string]string) (StatusMap, error) {
	out := make(StatusMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for raw, state := range overrides {
		s := core.OrderState(strings.ToLower(strings.TrimSpace(state)))
		switch s {
		case core.OrderOpen, core.OrderPartiallyFilled, core.OrderFilled, core.OrderCancelled:
		default:
			return nil, fmt.Errorf("status %q: unknown order state %q", raw, state)
		}
		out[normalizeStatus(raw)] = s
	}
	return out, nil
}

func (m StatusMap) Lookup(raw string) (core.OrderState, bool) {
	s, ok := m[normalizeStatus(raw)]
	return s, ok
}

func normalizeStatus(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseTicker(payload json.RawMessage, book string) (core.Ticker, error) {
	if isNull(payload) {
		return core.Ticker{}, fmt.Errorf("%w: %s", core.ErrMarketNotFound, book)
	}
	var p tickerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.Ticker{}, malformed("ticker", err)
	}
	if p.Book != "" && !strings.EqualFold(p.Book, book) {
		return core.Ticker{}, fmt.Errorf("%w: %s", core.ErrMarketNotFound, book)
	}
	ask, err := decimal.NewFromString(p.Ask)
	if err != nil {
		return core.Ticker{}, malformed("ticker ask", err)
	}
	bid, err := decimal.NewFromString(p.Bid)
	if err != nil {
		return core.Ticker{}, malformed("ticker bid", err)
	}
	return core.Ticker{Ask: ask, Bid: bid}, nil
}

// parseTrades returns trades ascending by id, optionally dropping those
// before since and reversing the order.
func parseTrades(payload json.RawMessage, since time.Time, descending bool) ([]core.Trade, error) {
	var raw []tradePayload
	if !isNull(payload) {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, malformed("trades", err)
		}
	}
	type keyed struct {
		seq   int64
		trade core.Trade
	}
	rows := make([]keyed, 0, len(raw))
	for _, r := range raw {
		ts, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, malformed("trade time", err)
		}
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, malformed("trade price", err)
		}
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, malformed("trade amount", err)
		}
		seq, _ := r.TID.Int64()
		rows = append(rows, keyed{
			seq:   seq,
			trade: core.Trade{ID: r.TID.String(), Time: ts, Price: price, Amount: amount},
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].seq != rows[j].seq {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].trade.Time.Before(rows[j].trade.Time)
	})
	out := make([]core.Trade, len(rows))
	for i, r := range rows {
		out[i] = r.trade
	}
	if descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// parsePortfolio never fails on a missing or unparsable balance; it reports zero.
func parsePortfolio(payload json.RawMessage, pair core.Pair) (core.Portfolio, error) {
	var p balancePayload
	if !isNull(payload) {
		if err := json.Unmarshal(payload, &p); err != nil {
			return core.Portfolio{}, malformed("balance", err)
		}
	}
	available := func(code string) decimal.Decimal {
		for _, b := range p.Balances {
			if strings.EqualFold(b.Currency, code) {
				return decimalOrZero(b.Available)
			}
		}
		return decimal.Zero
	}
	return core.Portfolio{
		Asset:    core.Balance{Name: pair.Asset, Amount: available(pair.Asset)},
		Currency: core.Balance{Name: pair.Currency, Amount: available(pair.Currency)},
	}, nil
}

// parseFee reads the maker fee of book. Bitso reports it as a decimal
// fraction already.
func parseFee(payload json.RawMessage, book string) (decimal.Decimal, error) {
	var p feePayload
	if !isNull(payload) {
		if err := json.Unmarshal(payload, &p); err != nil {
			return decimal.Zero, malformed("fees", err)
		}
	}
	for _, f := range p.Fees {
		if !strings.EqualFold(f.Book, book) {
			continue
		}
		fee, err := decimal.NewFromString(f.MakerFeeDecimal)
		if err != nil {
			return decimal.Zero, malformed("maker fee", err)
		}
		return fee, nil
	}
	return decimal.Zero, fmt.Errorf("%w: no fee entry for %s", core.ErrMarketNotFound, book)
}

func parseOrderID(payload json.RawMessage) (string, error) {
	var p placePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", malformed("order placement", err)
	}
	if strings.TrimSpace(p.OID) == "" {
		return "", fmt.Errorf("%w: order placement returned no oid", core.ErrMalformedPayload)
	}
	return p.OID, nil
}

func parseUserTrades(payload json.RawMessage) ([]userTradePayload, error) {
	var out []userTradePayload
	if isNull(payload) {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, malformed("user trades", err)
	}
	return out, nil
}

// aggregateFills folds the fills of orderID into one record. Price is the
// volume-weighted average over absolute fill size; Amount is net signed
// (buys positive). ok is false when no fill belongs to orderID.
func aggregateFills(trades []userTradePayload, orderID string) (fills core.OrderFills, ok bool, err error) {
	fills = core.OrderFills{
		OrderID: orderID,
		Price:   decimal.Zero,
		Amount:  decimal.Zero,
		Fees:    map[string]decimal.Decimal{},
	}
	notional := decimal.Zero
	volume := decimal.Zero
	for _, t := range trades {
		if t.OID != orderID {
			continue
		}
		ok = true
		major, err := decimal.NewFromString(t.Major)
		if err != nil {
			return fills, false, malformed("fill major", err)
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return fills, false, malformed("fill price", err)
		}
		size := major.Abs()
		signed := size
		if core.Side(strings.ToLower(t.Side)) == core.Sell {
			signed = size.Neg()
		}
		notional = notional.Add(price.Mul(size))
		volume = volume.Add(size)
		fills.Amount = fills.Amount.Add(signed)

		if ts, err := parseTime(t.CreatedAt); err == nil && ts.After(fills.Date) {
			fills.Date = ts
		}
		if t.FeesCurrency != "" {
			code := strings.ToUpper(t.FeesCurrency)
			fills.Fees[code] = fills.Fees[code].Add(decimalOrZero(t.FeesAmount).Abs())
		}
	}
	if !ok {
		return fills, false, nil
	}
	fills.Visibility = core.FillsFound
	if volume.Sign() > 0 {
		fills.Price = notional.Div(volume)
	}
	return fills, true, nil
}

// parseOrderStatus accepts both the list and the single-object payload shapes.
// An empty payload reads as a missing order.
func parseOrderStatus(payload json.RawMessage, statuses StatusMap) (core.OrderStatus, error) {
	orders, err := decodeOrders(payload)
	if err != nil {
		return core.OrderStatus{}, err
	}
	if len(orders) == 0 {
		return core.OrderStatus{}, APIError{Message: orderMissingMessage}
	}
	o := orders[0]
	state, known := statuses.Lookup(o.Status)
	if !known {
		return core.OrderStatus{}, fmt.Errorf("%w: %q", core.ErrUnexpectedOrderState, o.Status)
	}
	status := core.OrderStatus{State: state, FilledAmount: decimal.Zero}
	switch state {
	case core.OrderOpen, core.OrderPartiallyFilled:
		status.Open = true
		status.FilledAmount = decimalOrZero(o.OriginalAmount).Sub(decimalOrZero(o.UnfilledAmount))
	case core.OrderFilled:
		status.Executed = true
	}
	return status, nil
}

func decodeOrders(payload json.RawMessage) ([]orderPayload, error) {
	trimmed := bytes.TrimSpace(payload)
	if isNull(trimmed) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var single orderPayload
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, malformed("order", err)
		}
		if single.OID == "" && single.Status == "" {
			return nil, nil
		}
		return []orderPayload{single}, nil
	}
	var list []orderPayload
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, malformed("orders", err)
	}
	return list, nil
}

func parseCancel(payload json.RawMessage) core.CancelResult {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return core.CancelResult{}
	}
	var p cancelPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return core.CancelResult{}
	}
	return core.CancelResult{Filled: p.Filled}
}

const bitsoTimeLayout = "2006-01-02T15:04:05-0700"

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(bitsoTimeLayout, s)
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrMalformedPayload, what, err)
}
