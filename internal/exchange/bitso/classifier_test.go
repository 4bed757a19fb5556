package bitso

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
)

var allOps = []string{
	exchange.OpGetTicker,
	exchange.OpGetPortfolio,
	exchange.OpGetFee,
	exchange.OpGetTrades,
	exchange.OpPlaceOrder,
	exchange.OpGetOrderFills,
	exchange.OpCheckOrder,
	exchange.OpCancelOrder,
}

func TestClassifyTransientOnEveryOperation(t *testing.T) {
	c := DefaultClassifier()
	for _, msg := range []string{
		"connect ETIMEDOUT 10.0.0.1:443",
		"read ECONNRESET",
		"Response code 429 (slow down)",
		"Response code 503 (maintenance)",
		"Response code 403 (cloudflare)",
		"Response code 400: Error 0201: Invalid Nonce",
		`Get "https://api.bitso.com/v3/ticker/": dial tcp: lookup api.bitso.com: no such host`,
	} {
		for _, op := range allOps {
			ce := c.Classify(op, errors.New(msg))
			require.NotNil(t, ce)
			assert.Equal(t, core.KindTransientInfra, ce.Kind, "%s %q", op, msg)
			assert.True(t, ce.Recoverable, "%s %q", op, msg)
			assert.Zero(t, ce.RetryOverride)
		}
	}
}

func TestClassifyUnknownOrderOnlyResolvesCancel(t *testing.T) {
	c := DefaultClassifier()
	err := APIError{Status: 404, Code: "0404", Message: "UNKNOWN_ORDER"}

	ce := c.Classify(exchange.OpCancelOrder, err)
	assert.Equal(t, core.KindDomainSynthetic, ce.Kind)
	assert.Equal(t, core.CancelResult{Filled: true}, ce.SyntheticResult)

	ce = c.Classify(exchange.OpCheckOrder, err)
	assert.Equal(t, core.KindFatal, ce.Kind)
	assert.Nil(t, ce.SyntheticResult)
}

func TestClassifyOrderLag(t *testing.T) {
	c := DefaultClassifier()
	err := APIError{Message: "Order does not exist."}

	ce := c.Classify(exchange.OpCheckOrder, err)
	assert.Equal(t, core.KindEventualConsistencyLag, ce.Kind)
	assert.True(t, ce.Recoverable)
	assert.Equal(t, 10, ce.RetryOverride)
	assert.ErrorIs(t, ce, core.ErrOrderNotFound)

	ce = c.Classify(exchange.OpCancelOrder, err)
	assert.Equal(t, core.KindFatal, ce.Kind, "lag only applies to status checks")
}

func TestClassifyInsufficientFundsRace(t *testing.T) {
	c := DefaultClassifier()
	err := APIError{Status: 400, Code: "0379", Message: "Order amount exceeds available balance"}

	ce := c.Classify(exchange.OpPlaceOrder, err)
	assert.Equal(t, core.KindRaceWindow, ce.Kind)
	assert.True(t, ce.Recoverable)
	assert.Equal(t, 2, ce.RetryOverride)
	assert.Equal(t, time.Second, ce.BackoffOverride)
	assert.ErrorIs(t, ce, core.ErrInsufficientBalance)

	ce = c.Classify(exchange.OpGetPortfolio, err)
	assert.False(t, ce.Recoverable)
}

func TestClassifyUnexpectedStateAndUnknownBook(t *testing.T) {
	c := DefaultClassifier()

	ce := c.Classify(exchange.OpCheckOrder, errors.Join(errors.New("status \"frozen\""), core.ErrUnexpectedOrderState))
	assert.Equal(t, core.KindUnexpectedState, ce.Kind)
	assert.False(t, ce.Recoverable)

	ce = c.Classify(exchange.OpGetTicker, APIError{Status: 400, Code: "0301", Message: "Unknown OrderBook xyz_mxn"})
	assert.Equal(t, core.KindFatal, ce.Kind)
	assert.ErrorIs(t, ce, core.ErrMarketNotFound)
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c := DefaultClassifier()
	// A timeout while cancelling stays transient even if the text also
	// mentions an unknown order.
	ce := c.Classify(exchange.OpCancelOrder, errors.New("ETIMEDOUT after UNKNOWN_ORDER"))
	assert.Equal(t, core.KindTransientInfra, ce.Kind)
}

func TestClassifyPassesClassifiedErrorsThrough(t *testing.T) {
	c := DefaultClassifier()
	in := &core.ClassifiedError{Op: exchange.OpPlaceOrder, Kind: core.KindFatal, Err: core.ErrInvalidOrder}
	assert.Same(t, in, c.Classify(exchange.OpPlaceOrder, in))
	assert.Nil(t, c.Classify(exchange.OpPlaceOrder, nil))
}

func TestCustomRuleTable(t *testing.T) {
	c := NewClassifier(Rule{
		Name:     "maintenance",
		Contains: []string{"maintenance"},
		Verdict:  Verdict{Kind: core.KindTransientInfra, Recoverable: true, Retries: 1},
	})
	ce := c.Classify(exchange.OpGetTicker, errors.New("exchange under maintenance"))
	assert.True(t, ce.Recoverable)
	assert.Equal(t, 1, ce.RetryOverride)

	ce = c.Classify(exchange.OpGetTicker, errors.New("boom"))
	assert.Equal(t, core.KindFatal, ce.Kind, "unmatched errors are fatal")
}
