package bitso

import (
	"errors"
	"strings"
	"time"

	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
)

// Verdict is what a matching rule decides about a failure.
type Verdict struct {
	Kind        core.ErrorKind
	Recoverable bool
	Retries     int
	Backoff     time.Duration
	Synthetic   any
	// Sentinel is joined onto the cause so callers can match it with errors.Is.
	Sentinel error
}

// Rule matches a failure by operation and message or by error identity.
// Empty Ops matches every operation. A rule with neither Contains nor Is
// matches everything that reaches it.
type Rule struct {
	Name     string
	Ops      []string
	Contains []string
	Is       error
	Verdict  Verdict
}

func (r Rule) matches(op, msg string, err error) bool {
	if len(r.Ops) > 0 && !containsString(r.Ops, op) {
		return false
	}
	if r.Is != nil {
		return errors.Is(err, r.Is)
	}
	if len(r.Contains) == 0 {
		return true
	}
	for _, s := range r.Contains {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Classifier walks its rules in order; the first match wins.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// DefaultClassifier returns the Bitso rule table.
func DefaultClassifier() *Classifier {
	return NewClassifier(DefaultRules()...)
}

// TransientMarkers are substrings of transport and exchange failures that
// are expected to clear on retry.
var TransientMarkers = []string{
	"SOCKETTIMEDOUT",
	"TIMEDOUT",
	"CONNRESET",
	"CONNREFUSED",
	"NOTFOUND",
	"EHOSTUNREACH",
	"EAI_AGAIN",
	"ENETUNREACH",
	"Response code 429",
	"Response code 5",
	"Response code 403",
	// invalid nonce, retried with a fresh one
	"Error 0201",
	"i/o timeout",
	"connection reset",
	"connection refused",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"Client.Timeout exceeded",
	"TLS handshake timeout",
	"unexpected EOF",
}

const (
	orderMissingMessage = "Order does not exist."
	lagRetries          = 10
	fundsRaceRetries    = 2
	fundsRaceBackoff    = time.Second
)

func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "transient",
			Contains: TransientMarkers,
			Verdict:  Verdict{Kind: core.KindTransientInfra, Recoverable: true},
		},
		{
			Name:     "cancel_already_filled",
			Ops:      []string{exchange.OpCancelOrder},
			Contains: []string{"UNKNOWN_ORDER"},
			Verdict: Verdict{
				Kind:      core.KindDomainSynthetic,
				Synthetic: core.CancelResult{Filled: true},
			},
		},
		{
			Name:     "order_status_lag",
			Ops:      []string{exchange.OpCheckOrder},
			Contains: []string{orderMissingMessage},
			Verdict: Verdict{
				Kind:        core.KindEventualConsistencyLag,
				Recoverable: true,
				Retries:     lagRetries,
				Sentinel:    core.ErrOrderNotFound,
			},
		},
		{
			Name:     "insufficient_funds_race",
			Ops:      []string{exchange.OpPlaceOrder},
			Contains: []string{"exceeds available", "Insufficient", "insufficient"},
			Verdict: Verdict{
				Kind:        core.KindRaceWindow,
				Recoverable: true,
				Retries:     fundsRaceRetries,
				Backoff:     fundsRaceBackoff,
				Sentinel:    core.ErrInsufficientBalance,
			},
		},
		{
			Name:    "unexpected_state",
			Is:      core.ErrUnexpectedOrderState,
			Verdict: Verdict{Kind: core.KindUnexpectedState},
		},
		{
			Name:     "unknown_book",
			Contains: []string{"Unknown OrderBook", "Error 0301"},
			Verdict:  Verdict{Kind: core.KindFatal, Sentinel: core.ErrMarketNotFound},
		},
		{
			Name:    "fatal",
			Verdict: Verdict{Kind: core.KindFatal},
		},
	}
}

// Classify turns a raw failure of op into a ClassifiedError. An error that is
// already classified passes through unchanged.
func (c *Classifier) Classify(op string, err error) *core.ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := core.AsClassified(err); ok {
		return ce
	}
	msg := err.Error()
	for _, r := range c.rules {
		if !r.matches(op, msg, err) {
			continue
		}
		v := r.Verdict
		cause := err
		if v.Sentinel != nil && !errors.Is(err, v.Sentinel) {
			cause = errors.Join(err, v.Sentinel)
		}
		return &core.ClassifiedError{
			Op:              op,
			Kind:            v.Kind,
			Message:         msg,
			Recoverable:     v.Recoverable,
			RetryOverride:   v.Retries,
			BackoffOverride: v.Backoff,
			SyntheticResult: v.Synthetic,
			Err:             cause,
		}
	}
	return &core.ClassifiedError{Op: op, Kind: core.KindFatal, Message: msg, Err: err}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
