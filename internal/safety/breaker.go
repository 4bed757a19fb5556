package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitso-adapter/internal/alert"
	"bitso-adapter/internal/config"
	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
	"bitso-adapter/internal/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"

	defaultCooldown = 30 * time.Second
)

type circuit struct {
	maxFailures   int
	failures      int
	state         circuitState
	openedAt      time.Time
	openErr       error
	// trialInFlight is set while the single half-open call runs.
	trialInFlight bool
}

// Breaker trips the place and cancel paths independently after consecutive
// failures. An open circuit rejects calls until the cooldown elapses, then
// lets one trial call through. Other calls are rejected until that call is
// recorded; its outcome closes or re-opens the circuit.
type Breaker struct {
	enabled bool

	mu       sync.Mutex
	place    circuit
	cancel   circuit
	cooldown time.Duration
	now      func() time.Time

	log     *logrus.Entry
	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:  enabled,
		place:    circuit{maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:   circuit{maxFailures: maxCancelFailures, state: circuitClosed},
		cooldown: cooldown,
		now:      time.Now,
		log:      logger.Component(nil, "safety"),
	}
}

func NewBreakerFromConfig(cfg config.CircuitBreakerConfig) *Breaker {
	return NewBreaker(cfg.Enabled, cfg.MaxPlaceFailures, cfg.MaxCancelFailures, time.Duration(cfg.CooldownSec)*time.Second)
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) SetLogger(l *logrus.Logger) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = logger.Component(l, "safety")
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(actionPlace, &b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(actionCancel, &b.cancel)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionPlace, &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionCancel, &b.cancel, err)
}

// CooldownRemaining is how long the named circuit stays open; zero when it
// is not open.
func (b *Breaker) CooldownRemaining(action string) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(action)
	if c == nil || c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) circuitFor(action string) *circuit {
	switch action {
	case actionPlace, exchange.OpPlaceOrder:
		return &b.place
	case actionCancel, exchange.OpCancelOrder:
		return &b.cancel
	}
	return nil
}

func (b *Breaker) allow(name string, c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	switch c.state {
	case circuitClosed:
		b.mu.Unlock()
		return nil
	case circuitHalfOpen:
		if c.trialInFlight {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s circuit is half-open with a trial call in flight", ErrCircuitOpen, name)
		}
		c.trialInFlight = true
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.trialInFlight = true
	c.failures = 0
	c.openErr = nil
	log, alerter, cooldown := b.log, b.alerter, b.cooldown
	b.mu.Unlock()

	log.WithFields(logrus.Fields{
		"event":        "circuit_breaker_half_open",
		"action":       name,
		"cooldown_sec": int64(cooldown / time.Second),
	}).Info("letting one trial call through")
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       name,
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	log, alerter := b.log, b.alerter
	c.trialInFlight = false

	if !countsAsFailure(err) {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			if err != nil {
				break
			}
			recovered = true
			c.state = circuitClosed
			c.failures = 0
			c.openErr = nil
			c.openedAt = time.Time{}
		case circuitOpen:
			// No trial call happened while open.
		case circuitClosed:
			if c.failures > 0 && err == nil {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			log.WithFields(logrus.Fields{
				"event":                         "circuit_breaker_recovered",
				"action":                        name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit closed")
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(name, c, err, 1, "half_open_trial_failed")
		threshold := c.maxFailures
		b.mu.Unlock()
		log.WithFields(logrus.Fields{
			"event":      "circuit_breaker_trip",
			"action":     name,
			"phase":      "half_open",
			"threshold":  threshold,
			"last_error": err.Error(),
		}).Error("trial call failed, circuit re-opened")
		if alerter != nil {
			alerter.Important("circuit_breaker_trip", map[string]string{
				"action":     name,
				"phase":      "half_open",
				"threshold":  strconv.Itoa(threshold),
				"last_error": err.Error(),
			})
		}
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		nearTrip := limit > 1 && failures == limit-1
		b.mu.Unlock()
		if nearTrip {
			log.WithFields(logrus.Fields{
				"event":                "circuit_breaker_near_trip",
				"action":               name,
				"consecutive_failures": failures,
				"threshold":            limit,
				"last_error":           err.Error(),
			}).Warn("one failure away from tripping")
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(name, c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	log.WithFields(logrus.Fields{
		"event":                "circuit_breaker_trip",
		"action":               name,
		"consecutive_failures": failures,
		"threshold":            limit,
		"last_error":           err.Error(),
	}).Error("circuit opened")
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(name string, c *circuit, err error, failures int, reason string) error {
	if failures < 1 {
		failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v", ErrCircuitOpen, name, failures, b.cooldown, reason, err)
	return c.openErr
}

// countsAsFailure ignores caller mistakes and cancellations; neither says
// anything about the exchange.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, core.ErrInvalidOrder),
		errors.Is(err, core.ErrCredentialsRequired),
		errors.Is(err, ErrCircuitOpen):
		return false
	}
	return true
}

// GuardedAdapter routes order placement and cancellation through a Breaker.
// Every other operation passes straight to the wrapped adapter.
type GuardedAdapter struct {
	exchange.Adapter
	breaker *Breaker
}

var _ exchange.Adapter = (*GuardedAdapter)(nil)

func NewGuardedAdapter(inner exchange.Adapter, breaker *Breaker) *GuardedAdapter {
	return &GuardedAdapter{Adapter: inner, breaker: breaker}
}

func (a *GuardedAdapter) PlaceOrder(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error) {
	if err := a.breaker.AllowPlace(); err != nil {
		return "", err
	}
	id, err := a.Adapter.PlaceOrder(ctx, side, amount, price)
	if trip := a.breaker.RecordPlace(err); trip != nil {
		return id, trip
	}
	return id, err
}

func (a *GuardedAdapter) CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error) {
	if err := a.breaker.AllowCancel(); err != nil {
		return core.CancelResult{}, err
	}
	res, err := a.Adapter.CancelOrder(ctx, orderID)
	if trip := a.breaker.RecordCancel(err); trip != nil {
		return res, trip
	}
	return res, err
}
