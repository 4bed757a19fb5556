package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitso-adapter/internal/alert"
	"bitso-adapter/internal/config"
	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
	"bitso-adapter/internal/exchange/bitso"
	"bitso-adapter/internal/exchange/obs"
	"bitso-adapter/internal/logger"
	"bitso-adapter/internal/safety"
	"bitso-adapter/internal/telemetry"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Exchange   string        `json:"exchange"`
	Pair       string        `json:"pair"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

type selectedChecks struct {
	preflight bool
	portfolio bool
	fee       bool
	trades    bool
	lifecycle bool
	stream    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code. Every exit path goes through the
// deferred alert and tracer shutdowns.
func run(args []string, stdout, stderr io.Writer) int {
	var (
		configPath  string
		envFile     string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		allowTrade  bool
		checkFlag   string
	)
	fs := flag.NewFlagSet("bitsocheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	fs.StringVar(&envFile, "env-file", ".env", "optional dotenv file with BITSO_API_KEY/BITSO_API_SECRET")
	fs.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	fs.IntVar(&streamWait, "stream-wait-sec", 10, "seconds to listen on the public trades stream")
	fs.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	fs.BoolVar(&allowTrade, "allow-trade", false, "allow the lifecycle check to place and cancel a real order")
	fs.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,portfolio,fee,trades,lifecycle,stream)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(stderr, fmt.Sprintf("load %s: %v", envFile, err))
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fail(stderr, err.Error())
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		return fail(stderr, err.Error())
	}
	if checks.lifecycle && !allowTrade {
		return fail(stderr, "lifecycle check places a real order; set -allow-trade=true to continue")
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	log := logger.New()
	if err := logger.Configure(log, cfg.Logging); err != nil {
		return fail(stderr, err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	var alerter alert.Alerter
	if alerts := buildAlertManager(cfg, log); alerts != nil {
		alerter = alerts
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	tracing, err := telemetry.Setup(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fail(stderr, err.Error())
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(closeCtx); err != nil {
			fmt.Fprintf(stderr, "flush traces failed: %v\n", err)
		}
	}()

	client, err := bitso.NewFromConfig(cfg, log, alerter)
	if err != nil {
		return fail(stderr, err.Error())
	}
	breaker := safety.NewBreakerFromConfig(cfg.CircuitBreaker)
	breaker.SetLogger(log)
	breaker.SetAlerter(alerter)
	adapter := safety.NewGuardedAdapter(obs.Wrap(client, tracing.TracerProvider(), log), breaker)

	c := &checker{
		adapter:     adapter,
		constraints: client.Constraints(),
		streamWait:  time.Duration(streamWait) * time.Second,
		out:         stdout,
		stream: func(ctx context.Context) (<-chan core.Trade, <-chan error, error) {
			s, err := bitso.NewTradeStream(ctx, cfg.Exchange.WSBaseURL, client.Pair().Book(), 15*time.Second)
			if err != nil {
				return nil, nil, err
			}
			trades, errs := s.Trades(ctx)
			return trades, errs, nil
		},
	}
	r := c.runAll(ctx, checks)

	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			return fail(stderr, err.Error())
		}
		fmt.Fprintf(stdout, "report written: %s\n", outJSONPath)
	}
	if r.failed() {
		return 1
	}
	return 0
}

type checker struct {
	adapter     exchange.Adapter
	constraints core.MarketConstraints
	stream      func(ctx context.Context) (<-chan core.Trade, <-chan error, error)
	streamWait  time.Duration
	out         io.Writer

	report   report
	ticker   core.Ticker
	placedID string
}

func (c *checker) runAll(ctx context.Context, checks selectedChecks) report {
	c.report = report{
		StartedAt: time.Now().UTC(),
		Exchange:  c.adapter.Name(),
		Pair:      c.adapter.Pair().String(),
	}
	if checks.preflight {
		c.run("exchange_preflight", func() (string, error) { return c.preflight(ctx) })
	}
	if checks.portfolio {
		c.run("portfolio", func() (string, error) { return c.portfolio(ctx) })
	}
	if checks.fee {
		c.run("maker_fee", func() (string, error) { return c.fee(ctx) })
	}
	if checks.trades {
		c.run("recent_trades", func() (string, error) { return c.trades(ctx) })
	}
	if checks.lifecycle {
		c.run("order_lifecycle_place_check_cancel", func() (string, error) { return c.lifecycle(ctx) })
	}
	if checks.stream {
		c.run("trades_stream_subscribe", func() (string, error) { return c.streamCheck(ctx) })
	}

	// cleanup: if the lifecycle order is still around, best-effort cancel
	if c.placedID != "" {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		_, _ = c.adapter.CancelOrder(cleanupCtx, c.placedID)
		cancel()
	}

	c.report.FinishedAt = time.Now().UTC()
	c.printSummary()
	return c.report
}

func (c *checker) run(name string, fn func() (string, error)) {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	} else {
		cr.Status = statusPass
	}
	c.report.Checks = append(c.report.Checks, cr)
	if cr.Status == statusPass {
		fmt.Fprintf(c.out, "[PASS] %s (%dms)", name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Fprintf(c.out, " - %s", cr.Detail)
		}
		fmt.Fprintln(c.out)
	} else {
		fmt.Fprintf(c.out, "[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
	}
}

func (c *checker) loadTicker(ctx context.Context) (core.Ticker, error) {
	if c.ticker.Bid.Sign() > 0 {
		return c.ticker, nil
	}
	t, err := c.adapter.GetTicker(ctx)
	if err != nil {
		return core.Ticker{}, err
	}
	c.ticker = t
	return t, nil
}

func (c *checker) preflight(ctx context.Context) (string, error) {
	t, err := c.loadTicker(ctx)
	if err != nil {
		return "", err
	}
	if t.Bid.Sign() <= 0 || t.Ask.Sign() <= 0 {
		return "", fmt.Errorf("ticker has non-positive side: ask=%s bid=%s", t.Ask, t.Bid)
	}
	if t.Ask.Cmp(t.Bid) < 0 {
		return "", fmt.Errorf("crossed book: ask=%s < bid=%s", t.Ask, t.Bid)
	}
	caps := c.adapter.Capabilities()
	return fmt.Sprintf("ask=%s bid=%s minAmount=%s minPrice=%s minOrder=%s markets=%d",
		t.Ask, t.Bid, c.constraints.Amount, c.constraints.Price, c.constraints.Order, len(caps.Markets)), nil
}

func (c *checker) portfolio(ctx context.Context) (string, error) {
	p, err := c.adapter.GetPortfolio(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s=%s %s=%s", p.Asset.Name, p.Asset.Amount, p.Currency.Name, p.Currency.Amount), nil
}

func (c *checker) fee(ctx context.Context) (string, error) {
	fee, err := c.adapter.GetFee(ctx)
	if err != nil {
		return "", err
	}
	if fee.Sign() < 0 || fee.Cmp(decimal.NewFromInt(1)) >= 0 {
		return "", fmt.Errorf("maker fee %s is not a fraction", fee)
	}
	return "maker_fee=" + fee.String(), nil
}

func (c *checker) trades(ctx context.Context) (string, error) {
	since := time.Now().Add(-24 * time.Hour)
	trades, err := c.adapter.GetTrades(ctx, since, false)
	if err != nil {
		return "", err
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].Time.Before(trades[i-1].Time) {
			return "", fmt.Errorf("trades not ascending at index %d", i)
		}
	}
	if len(trades) == 0 {
		return "no trades in the last 24h", nil
	}
	last := trades[len(trades)-1]
	return fmt.Sprintf("count=%d last_tid=%s last_price=%s", len(trades), last.ID, last.Price), nil
}

func (c *checker) lifecycle(ctx context.Context) (string, error) {
	t, err := c.loadTicker(ctx)
	if err != nil {
		return "", err
	}
	price, amount, err := buildCanaryOrder(t.Bid, c.constraints)
	if err != nil {
		return "", err
	}
	p, err := c.adapter.GetPortfolio(ctx)
	if err != nil {
		return "", err
	}
	notional := price.Mul(amount)
	if p.Currency.Amount.Cmp(notional) < 0 {
		return "", fmt.Errorf("insufficient %s for canary order: need=%s have=%s", p.Currency.Name, notional, p.Currency.Amount)
	}

	id, err := c.adapter.PlaceOrder(ctx, core.Buy, amount, price)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("empty order id")
	}
	c.placedID = id

	status, err := c.adapter.CheckOrder(ctx, id)
	if err != nil {
		return "", fmt.Errorf("check order: %w", err)
	}
	filled := false
	if status.Open {
		res, err := c.adapter.CancelOrder(ctx, id)
		if err != nil {
			return "", fmt.Errorf("cancel order: %w", err)
		}
		filled = res.Filled
	}
	c.placedID = ""

	fills, err := c.adapter.GetOrderFills(ctx, id)
	if err != nil {
		return "", fmt.Errorf("order fills: %w", err)
	}
	return fmt.Sprintf("id=%s amount=%s price=%s state=%s filled_on_cancel=%t fills=%s",
		id, amount, price, status.State, filled, fills.Visibility), nil
}

func (c *checker) streamCheck(ctx context.Context) (string, error) {
	if c.stream == nil {
		return "", errors.New("no trades stream configured")
	}
	cctx, ccancel := context.WithTimeout(ctx, c.streamWait)
	defer ccancel()

	trades, errs, err := c.stream(cctx)
	if err != nil {
		return "", err
	}
	count := 0
	for {
		select {
		case <-cctx.Done():
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return fmt.Sprintf("no stream errors during %s window trades=%d", c.streamWait, count), nil
			}
			return "", cctx.Err()
		case _, ok := <-trades:
			if !ok {
				trades = nil
				if cctx.Err() != nil {
					continue
				}
				// the close reason follows on errs
				select {
				case err := <-errs:
					if err != nil {
						return "", err
					}
				case <-cctx.Done():
				}
				return "", errors.New("trades channel closed unexpectedly")
			}
			count++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}
}

// buildCanaryOrder prices a buy at half the bid, far from the market, sized
// to the smallest amount that clears the minimum order value.
func buildCanaryOrder(bid decimal.Decimal, m core.MarketConstraints) (decimal.Decimal, decimal.Decimal, error) {
	if bid.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, errors.New("missing bid price")
	}
	price := m.RoundPrice(bid.Mul(decimal.RequireFromString("0.5")))
	if price.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, errors.New("calculated order price <= 0")
	}
	amount := m.Order.Div(price)
	if m.Amount.Sign() > 0 {
		amount = roundUp(amount, m.Amount)
		if amount.Cmp(m.Amount) < 0 {
			amount = m.Amount
		}
	}
	return core.NormalizeOrder(price, amount, m)
}

func roundUp(v, step decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 || step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" {
		return selectedChecks{preflight: true, portfolio: true, fee: true, trades: true, stream: true}, nil
	}
	if raw == "all" {
		return selectedChecks{preflight: true, portfolio: true, fee: true, trades: true, lifecycle: true, stream: true}, nil
	}

	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		name := strings.TrimSpace(p)
		switch name {
		case "":
			continue
		case "preflight", "exchange_preflight":
			out.preflight = true
		case "portfolio", "balance":
			out.portfolio = true
		case "fee", "maker_fee":
			out.fee = true
		case "trades", "recent_trades":
			out.trades = true
		case "lifecycle", "order_lifecycle":
			out.lifecycle = true
		case "stream", "trades_stream":
			out.stream = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func (c *checker) printSummary() {
	pass, fail := 0, 0
	for _, cr := range c.report.Checks {
		if cr.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Fprintf(c.out, "\nsummary exchange=%s pair=%s pass=%d fail=%d duration=%s\n",
		c.report.Exchange,
		c.report.Pair,
		pass,
		fail,
		c.report.FinishedAt.Sub(c.report.StartedAt).Round(time.Millisecond).String(),
	)
}

func buildAlertManager(cfg config.Config, log *logrus.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManagerWithOptions(bitso.Name, core.NewPair(cfg.Market.Asset, cfg.Market.Currency).String(), notifier, alert.ManagerOptions{
		DropReportInterval: time.Minute,
		RepeatWindow:       time.Minute,
		Logger:             log,
	})
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fail(stderr io.Writer, msg string) int {
	fmt.Fprintln(stderr, strings.TrimSpace(msg))
	return 1
}
