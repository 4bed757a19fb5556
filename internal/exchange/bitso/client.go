package bitso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitso-adapter/internal/alert"
	"bitso-adapter/internal/config"
	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
	"bitso-adapter/internal/logger"
	"bitso-adapter/internal/markets"
	"bitso-adapter/internal/retry"
)

const (
	Name = "bitso"

	defaultFee            = "0.005"
	defaultPlacementDelay = time.Second
	feePrefetchTimeout    = time.Minute
	userTradesLimit       = "100"
	tradesSinceLimit      = "100"
)

type Options struct {
	Pair      core.Pair
	Transport Transport
	Markets   markets.Table
	// Authenticated enables the private operations.
	Authenticated  bool
	DefaultFee     decimal.Decimal
	PrefetchFee    bool
	PlacementDelay time.Duration
	Retry          retry.Options
	StatusMap      StatusMap
	Classifier     *Classifier
	Logger         *logrus.Logger
	Alerter        alert.Alerter
}

// Client is the Bitso adapter. Public calls are safe for concurrent use;
// the fee rate and last touched order id are guarded by mu.
type Client struct {
	pair           core.Pair
	book           string
	transport      Transport
	constraints    core.MarketConstraints
	supported      bool
	caps           core.Capabilities
	authenticated  bool
	placementDelay time.Duration
	retry          retry.Options
	statuses       StatusMap
	classifier     *Classifier
	log            *logrus.Entry
	alerter        alert.Alerter

	mu          sync.Mutex
	fee         decimal.Decimal
	lastOrderID string
}

var _ exchange.Adapter = (*Client)(nil)

func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("bitso: transport required")
	}
	pair := core.NewPair(opts.Pair.Asset, opts.Pair.Currency)
	if pair.Asset == "" || pair.Currency == "" {
		return nil, errors.New("bitso: asset and currency required")
	}
	constraints, supported := opts.Markets.Lookup(pair.Currency, pair.Asset)
	fee := opts.DefaultFee
	if fee.IsZero() {
		fee = decimal.RequireFromString(defaultFee)
	}
	statuses := opts.StatusMap
	if statuses == nil {
		statuses = DefaultStatusMap()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	retryOpts := opts.Retry
	if retryOpts.MaxRetries == 0 && retryOpts.InitialInterval == 0 {
		retryOpts = retry.DefaultOptions()
	}
	c := &Client{
		pair:           pair,
		book:           pair.Book(),
		transport:      opts.Transport,
		constraints:    constraints,
		supported:      supported,
		caps:           Capabilities(opts.Markets),
		authenticated:  opts.Authenticated,
		placementDelay: opts.PlacementDelay,
		retry:          retryOpts,
		statuses:       statuses,
		classifier:     classifier,
		log:            logger.Component(opts.Logger, Name).WithField("pair", pair.String()),
		alerter:        opts.Alerter,
		fee:            fee,
	}
	if !supported {
		c.log.WithField("event", "market_unsupported").Warn("pair not in market table; rounding falls back to default precision")
	}
	if c.authenticated && opts.PrefetchFee {
		go c.prefetchFee()
	}
	return c, nil
}

// NewFromConfig wires the REST transport, market table and retry policy from cfg.
func NewFromConfig(cfg config.Config, log *logrus.Logger, alerter alert.Alerter) (*Client, error) {
	table, err := markets.Bitso()
	if err != nil {
		return nil, err
	}
	transport, err := NewRESTTransport(RESTOptions{
		BaseURL:           cfg.Exchange.RestBaseURL,
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		Timeout:           time.Duration(cfg.Exchange.HTTPTimeoutMs) * time.Millisecond,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
	})
	if err != nil {
		return nil, err
	}
	statuses, err := DefaultStatusMap().WithOverrides(cfg.StatusMap)
	if err != nil {
		return nil, err
	}
	delay := defaultPlacementDelay
	if cfg.Exchange.PlacementDelayMs != nil {
		delay = time.Duration(*cfg.Exchange.PlacementDelayMs) * time.Millisecond
	}
	prefetch := cfg.Exchange.PrefetchFee == nil || *cfg.Exchange.PrefetchFee
	return New(Options{
		Pair:           core.NewPair(cfg.Market.Asset, cfg.Market.Currency),
		Transport:      transport,
		Markets:        table,
		Authenticated:  cfg.HasCredentials(),
		DefaultFee:     cfg.Exchange.DefaultFee.Decimal,
		PrefetchFee:    prefetch,
		PlacementDelay: delay,
		Retry: retry.Options{
			MaxRetries:          cfg.Retry.MaxRetries,
			InitialInterval:     time.Duration(cfg.Retry.InitialIntervalMs) * time.Millisecond,
			MaxInterval:         time.Duration(cfg.Retry.MaxIntervalMs) * time.Millisecond,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.Randomization,
		},
		StatusMap: statuses,
		Logger:    log,
		Alerter:   alerter,
	})
}

func (c *Client) Name() string { return Name }

func (c *Client) Pair() core.Pair { return c.pair }

func (c *Client) Capabilities() core.Capabilities { return c.caps }

// Supported reports whether the pair is listed in the market table.
func (c *Client) Supported() bool { return c.supported }

func (c *Client) Constraints() core.MarketConstraints { return c.constraints }

// Fee returns the cached maker fee rate.
func (c *Client) Fee() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fee
}

// LastOrderID is the order most recently passed to CancelOrder.
func (c *Client) LastOrderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOrderID
}

func (c *Client) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return c.constraints.RoundAmount(amount)
}

func (c *Client) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return c.constraints.RoundPrice(price)
}

func (c *Client) IsValidPrice(price decimal.Decimal) bool {
	return c.constraints.IsValidPrice(price)
}

func (c *Client) IsValidLot(price, amount decimal.Decimal) bool {
	return c.constraints.IsValidLot(price, amount)
}

func (c *Client) OutbidPrice(price decimal.Decimal, isUp bool) decimal.Decimal {
	return c.constraints.OutbidPrice(price, isUp)
}

func (c *Client) GetTicker(ctx context.Context) (core.Ticker, error) {
	return call(ctx, c, exchange.OpGetTicker, func(ctx context.Context) (core.Ticker, error) {
		payload, err := c.fetch(ctx, EndpointTicker, map[string]string{"book": c.book}, http.MethodGet)
		if err != nil {
			return core.Ticker{}, err
		}
		return parseTicker(payload, c.book)
	})
}

func (c *Client) GetTrades(ctx context.Context, since time.Time, descending bool) ([]core.Trade, error) {
	params := map[string]string{"book": c.book}
	if !since.IsZero() {
		params["limit"] = tradesSinceLimit
	}
	return call(ctx, c, exchange.OpGetTrades, func(ctx context.Context) ([]core.Trade, error) {
		payload, err := c.fetch(ctx, EndpointTrades, params, http.MethodGet)
		if err != nil {
			return nil, err
		}
		return parseTrades(payload, since, descending)
	})
}

func (c *Client) GetPortfolio(ctx context.Context) (core.Portfolio, error) {
	if err := c.requireCredentials(exchange.OpGetPortfolio); err != nil {
		return core.Portfolio{}, err
	}
	return call(ctx, c, exchange.OpGetPortfolio, func(ctx context.Context) (core.Portfolio, error) {
		payload, err := c.fetch(ctx, EndpointBalance, nil, http.MethodGet)
		if err != nil {
			return core.Portfolio{}, err
		}
		return parsePortfolio(payload, c.pair)
	})
}

// GetFee refreshes the cached maker fee rate.
func (c *Client) GetFee(ctx context.Context) (decimal.Decimal, error) {
	if err := c.requireCredentials(exchange.OpGetFee); err != nil {
		return decimal.Zero, err
	}
	fee, err := call(ctx, c, exchange.OpGetFee, func(ctx context.Context) (decimal.Decimal, error) {
		payload, err := c.fetch(ctx, EndpointFees, nil, http.MethodGet)
		if err != nil {
			return decimal.Zero, err
		}
		return parseFee(payload, c.book)
	})
	if err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	c.fee = fee
	c.mu.Unlock()
	return fee, nil
}

func (c *Client) prefetchFee() {
	ctx, cancel := context.WithTimeout(context.Background(), feePrefetchTimeout)
	defer cancel()
	if _, err := c.GetFee(ctx); err != nil {
		c.log.WithError(err).WithField("event", "fee_prefetch_failed").Warn("keeping default fee")
	}
}

// PlaceOrder submits a limit order and returns its id. The origin id is
// fixed for the whole call so retried submissions stay idempotent.
func (c *Client) PlaceOrder(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error) {
	if err := c.requireCredentials(exchange.OpPlaceOrder); err != nil {
		return "", err
	}
	if side != core.Buy && side != core.Sell {
		return "", &core.ClassifiedError{
			Op:      exchange.OpPlaceOrder,
			Kind:    core.KindFatal,
			Message: fmt.Sprintf("invalid side %q", side),
			Err:     core.ErrInvalidOrder,
		}
	}
	params := map[string]string{
		"book":      c.book,
		"side":      string(side),
		"type":      "limit",
		"major":     amount.String(),
		"price":     price.String(),
		"origin_id": uuid.NewString(),
	}
	c.log.WithFields(logrus.Fields{
		"event":     "order_placement",
		"side":      side,
		"amount":    params["major"],
		"price":     params["price"],
		"origin_id": params["origin_id"],
	}).Info("placing order")
	return call(ctx, c, exchange.OpPlaceOrder, func(ctx context.Context) (string, error) {
		if err := sleepCtx(ctx, c.placementDelay); err != nil {
			return "", err
		}
		payload, err := c.fetch(ctx, EndpointOrders, params, http.MethodPost)
		if err != nil {
			return "", err
		}
		return parseOrderID(payload)
	})
}

func (c *Client) Buy(ctx context.Context, amount, price decimal.Decimal) (string, error) {
	return c.PlaceOrder(ctx, core.Buy, amount, price)
}

func (c *Client) Sell(ctx context.Context, amount, price decimal.Decimal) (string, error) {
	return c.PlaceOrder(ctx, core.Sell, amount, price)
}

// GetOrderFills aggregates the account fills of orderID. When none are
// visible yet, a single order lookup decides between NotYetVisible and
// NotFound.
func (c *Client) GetOrderFills(ctx context.Context, orderID string) (core.OrderFills, error) {
	if err := c.requireCredentials(exchange.OpGetOrderFills); err != nil {
		return core.OrderFills{}, err
	}
	return call(ctx, c, exchange.OpGetOrderFills, func(ctx context.Context) (core.OrderFills, error) {
		payload, err := c.fetch(ctx, EndpointUserTrades, map[string]string{"book": c.book, "limit": userTradesLimit}, http.MethodGet)
		if err != nil {
			return core.OrderFills{}, err
		}
		trades, err := parseUserTrades(payload)
		if err != nil {
			return core.OrderFills{}, err
		}
		fills, ok, err := aggregateFills(trades, orderID)
		if err != nil {
			return core.OrderFills{}, err
		}
		fills.FeePercent = c.Fee()
		if !ok {
			fills.Visibility = c.lookupMissingFills(ctx, orderID, len(trades))
		}
		return fills, nil
	})
}

func (c *Client) lookupMissingFills(ctx context.Context, orderID string, scanned int) core.Visibility {
	payload, err := c.fetch(ctx, EndpointOrder, map[string]string{"oid": orderID}, http.MethodGet)
	entry := c.log.WithFields(logrus.Fields{
		"event":    "fills_not_found",
		"order_id": orderID,
		"scanned":  scanned,
		"payload":  string(payload),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("no fills for order, looked up order")

	if err != nil {
		if strings.Contains(err.Error(), orderMissingMessage) {
			return core.FillsNotFound
		}
		return core.FillsNotYetVisible
	}
	orders, decodeErr := decodeOrders(payload)
	if decodeErr == nil && len(orders) == 0 {
		return core.FillsNotFound
	}
	return core.FillsNotYetVisible
}

func (c *Client) CheckOrder(ctx context.Context, orderID string) (core.OrderStatus, error) {
	if err := c.requireCredentials(exchange.OpCheckOrder); err != nil {
		return core.OrderStatus{}, err
	}
	return call(ctx, c, exchange.OpCheckOrder, func(ctx context.Context) (core.OrderStatus, error) {
		payload, err := c.fetch(ctx, EndpointOrder, map[string]string{"oid": orderID}, http.MethodGet)
		if err != nil {
			return core.OrderStatus{}, err
		}
		return parseOrderStatus(payload, c.statuses)
	})
}

// CancelOrder reports Filled when the order executed before the cancel applied.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error) {
	if err := c.requireCredentials(exchange.OpCancelOrder); err != nil {
		return core.CancelResult{}, err
	}
	res, err := call(ctx, c, exchange.OpCancelOrder, func(ctx context.Context) (core.CancelResult, error) {
		payload, err := c.fetch(ctx, EndpointOrder, map[string]string{"oid": orderID}, http.MethodDelete)
		if err != nil {
			return core.CancelResult{}, err
		}
		return parseCancel(payload), nil
	})
	c.mu.Lock()
	c.lastOrderID = orderID
	c.mu.Unlock()
	return res, err
}

func (c *Client) fetch(ctx context.Context, endpoint string, params map[string]string, method string) (json.RawMessage, error) {
	body, err := c.transport.Invoke(ctx, endpoint, params, method)
	if err != nil {
		return nil, err
	}
	return unwrap(body)
}

func (c *Client) requireCredentials(op string) error {
	if c.authenticated {
		return nil
	}
	return &core.ClassifiedError{
		Op:      op,
		Kind:    core.KindFatal,
		Message: "api key and secret are required",
		Err:     core.ErrCredentialsRequired,
	}
}

// call runs one exchange operation through the classifier and the retry driver.
func call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	opts := c.retry
	opts.OnRetry = func(attempt int, delay time.Duration, ce *core.ClassifiedError) {
		c.log.WithFields(logrus.Fields{
			"event":    "retry_scheduled",
			"op":       op,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"kind":     ce.Kind,
		}).Warn(ce.Message)
	}
	v, err := retry.Do(ctx, opts, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		ce := c.classifier.Classify(op, err)
		c.observe(ce)
		if ce.Kind == core.KindDomainSynthetic {
			if res, ok := ce.SyntheticResult.(T); ok {
				return res, nil
			}
		}
		return v, ce
	})
	if err != nil {
		c.reportFailure(op, err)
	}
	return v, err
}

func (c *Client) observe(ce *core.ClassifiedError) {
	entry := c.log.WithFields(logrus.Fields{"op": ce.Op, "kind": ce.Kind})
	switch ce.Kind {
	case core.KindDomainSynthetic:
		entry.WithField("event", "cancel_filled").Info("order filled before cancel applied")
	case core.KindEventualConsistencyLag:
		entry.WithField("event", "order_status_lag").Info("exchange does not know the order yet")
	case core.KindRaceWindow:
		entry.WithField("event", "insufficient_funds_race").Warn(ce.Message)
	case core.KindUnexpectedState:
		entry.WithField("event", "unexpected_order_status").Error(ce.Message)
	}
}

func (c *Client) reportFailure(op string, err error) {
	if c.alerter == nil {
		return
	}
	if ce, ok := core.AsClassified(err); ok && ce.Kind == core.KindUnexpectedState {
		c.alerter.Important("order_unexpected_state", map[string]string{"op": op, "error": ce.Message})
		return
	}
	if errors.Is(err, retry.ErrExhausted) && (op == exchange.OpPlaceOrder || op == exchange.OpCancelOrder) {
		c.alerter.Important("retries_exhausted", map[string]string{"op": op, "error": err.Error()})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
