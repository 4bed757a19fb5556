package core

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrMarketNotFound indicates the exchange does not list the requested pair.
	ErrMarketNotFound = errors.New("market not found")
	// ErrUnexpectedOrderState indicates an order status outside the known vocabulary.
	ErrUnexpectedOrderState = errors.New("unexpected order state")
	// ErrCredentialsRequired indicates a private operation on an adapter without key/secret.
	ErrCredentialsRequired = errors.New("credentials required")
	// ErrMalformedPayload indicates a response that could not be normalized.
	ErrMalformedPayload = errors.New("malformed payload")
)

type ErrorKind string

const (
	KindTransientInfra         ErrorKind = "transient_infra"
	KindEventualConsistencyLag ErrorKind = "eventual_consistency_lag"
	KindRaceWindow             ErrorKind = "race_window"
	KindDomainSynthetic        ErrorKind = "domain_synthetic"
	KindUnexpectedState        ErrorKind = "unexpected_state"
	KindFatal                  ErrorKind = "fatal"
)

// ClassifiedError is the verdict on one failed exchange call.
// RetryOverride and BackoffOverride are zero when the driver defaults apply.
type ClassifiedError struct {
	Op              string
	Kind            ErrorKind
	Message         string
	Recoverable     bool
	RetryOverride   int
	BackoffOverride time.Duration
	SyntheticResult any
	Err             error
}

func (e *ClassifiedError) Error() string {
	b := strings.Builder{}
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Recoverable && e.RetryOverride > 0 {
		b.WriteString(" (retries=")
		b.WriteString(strconv.Itoa(e.RetryOverride))
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// AsClassified extracts the ClassifiedError from an error chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	if err == nil {
		return nil, false
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		return nil, false
	}
	return ce, true
}
