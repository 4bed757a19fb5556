package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
	"bitso-adapter/internal/exchange/exchangetest"
)

func btcMXN() core.MarketConstraints {
	return core.MarketConstraints{
		Amount: decimal.RequireFromString("0.00000001"),
		Price:  decimal.RequireFromString("0.01"),
		Order:  decimal.RequireFromString("10"),
	}
}

func TestParseCheckFlag(t *testing.T) {
	got, err := parseCheckFlag("default")
	if err != nil {
		t.Fatalf("parseCheckFlag(default) error = %v", err)
	}
	if got.lifecycle {
		t.Fatalf("parseCheckFlag(default).lifecycle = true, want false")
	}

	got, err = parseCheckFlag(" fee, lifecycle ")
	if err != nil {
		t.Fatalf("parseCheckFlag(list) error = %v", err)
	}
	want := selectedChecks{fee: true, lifecycle: true}
	if got != want {
		t.Fatalf("parseCheckFlag(list) = %+v, want %+v", got, want)
	}

	if _, err := parseCheckFlag("bootstrap"); err == nil {
		t.Fatalf("parseCheckFlag(bootstrap) error = nil, want unknown check")
	}
	if _, err := parseCheckFlag(","); err == nil {
		t.Fatalf("parseCheckFlag(,) error = nil, want no checks selected")
	}
}

func TestBuildCanaryOrderClearsMinimumOrderValue(t *testing.T) {
	price, amount, err := buildCanaryOrder(decimal.RequireFromString("512345.67"), btcMXN())
	if err != nil {
		t.Fatalf("buildCanaryOrder() error = %v", err)
	}
	if price.String() != "256172.83" {
		t.Fatalf("price = %s, want 256172.83", price)
	}
	if price.Mul(amount).Cmp(decimal.NewFromInt(10)) < 0 {
		t.Fatalf("notional = %s, want >= 10", price.Mul(amount))
	}
	if !amount.Equal(amount.Truncate(8)) {
		t.Fatalf("amount = %s, want at most 8 decimals", amount)
	}

	if _, _, err := buildCanaryOrder(decimal.Zero, btcMXN()); err == nil {
		t.Fatalf("buildCanaryOrder(0) error = nil, want error")
	}
}

func TestRunAllLifecyclePlacesChecksAndCancels(t *testing.T) {
	var placedAmount, placedPrice decimal.Decimal
	fake := &exchangetest.Fake{
		PairValue:   core.NewPair("btc", "mxn"),
		Constraints: btcMXN(),
		TickerFn: func(ctx context.Context) (core.Ticker, error) {
			return core.Ticker{Ask: decimal.NewFromInt(500010), Bid: decimal.NewFromInt(500000)}, nil
		},
		PortfolioFn: func(ctx context.Context) (core.Portfolio, error) {
			return core.Portfolio{
				Asset:    core.Balance{Name: "BTC", Amount: decimal.Zero},
				Currency: core.Balance{Name: "MXN", Amount: decimal.NewFromInt(1000)},
			}, nil
		},
		PlaceFn: func(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error) {
			placedAmount, placedPrice = amount, price
			return "o-1", nil
		},
		CheckFn: func(ctx context.Context, orderID string) (core.OrderStatus, error) {
			return core.OrderStatus{State: core.OrderOpen, Open: true, FilledAmount: decimal.Zero}, nil
		},
		FillsFn: func(ctx context.Context, orderID string) (core.OrderFills, error) {
			return core.OrderFills{OrderID: orderID, Visibility: core.FillsNotYetVisible}, nil
		},
	}
	var out bytes.Buffer
	c := &checker{adapter: fake, constraints: btcMXN(), out: &out}

	r := c.runAll(context.Background(), selectedChecks{preflight: true, lifecycle: true})
	if r.failed() {
		t.Fatalf("report failed: %+v", r.Checks)
	}
	if got := fake.Calls(exchange.OpCancelOrder); got != 1 {
		t.Fatalf("CancelOrder calls = %d, want 1", got)
	}
	if got := fake.Calls(exchange.OpGetTicker); got != 1 {
		t.Fatalf("GetTicker calls = %d, want 1 (cached)", got)
	}
	if placedPrice.String() != "250000" || placedAmount.String() != "0.00004" {
		t.Fatalf("placed %s @ %s, want 0.00004 @ 250000", placedAmount, placedPrice)
	}
	if !strings.Contains(out.String(), "[PASS] order_lifecycle_place_check_cancel") {
		t.Fatalf("output = %q, want lifecycle PASS line", out.String())
	}
	if r.Pair != "BTC/MXN" {
		t.Fatalf("report pair = %q, want BTC/MXN", r.Pair)
	}
}

func TestRunAllReportsFailures(t *testing.T) {
	fake := &exchangetest.Fake{
		PairValue: core.NewPair("btc", "mxn"),
		FeeFn: func(ctx context.Context) (decimal.Decimal, error) {
			return decimal.Zero, core.ErrCredentialsRequired
		},
	}
	var out bytes.Buffer
	c := &checker{adapter: fake, out: &out}

	r := c.runAll(context.Background(), selectedChecks{fee: true, trades: true})
	if !r.failed() {
		t.Fatalf("report failed() = false, want true")
	}
	if r.Checks[0].Status != statusFail || r.Checks[1].Status != statusPass {
		t.Fatalf("checks = %+v, want fee FAIL and trades PASS", r.Checks)
	}
	if !strings.Contains(out.String(), "[FAIL] maker_fee") {
		t.Fatalf("output = %q, want FAIL line", out.String())
	}
}

func TestStreamCheck(t *testing.T) {
	c := &checker{
		adapter:    &exchangetest.Fake{},
		streamWait: 50 * time.Millisecond,
		stream: func(ctx context.Context) (<-chan core.Trade, <-chan error, error) {
			trades := make(chan core.Trade, 2)
			trades <- core.Trade{ID: "1"}
			trades <- core.Trade{ID: "2"}
			return trades, make(chan error), nil
		},
	}
	detail, err := c.streamCheck(context.Background())
	if err != nil {
		t.Fatalf("streamCheck() error = %v", err)
	}
	if !strings.Contains(detail, "trades=2") {
		t.Fatalf("streamCheck() detail = %q, want trades=2", detail)
	}

	c.stream = func(ctx context.Context) (<-chan core.Trade, <-chan error, error) {
		errs := make(chan error, 1)
		errs <- errors.New("websocket: close 1006")
		return make(chan core.Trade), errs, nil
	}
	if _, err := c.streamCheck(context.Background()); err == nil {
		t.Fatalf("streamCheck() error = nil, want stream error")
	}

	c.stream = func(ctx context.Context) (<-chan core.Trade, <-chan error, error) {
		trades := make(chan core.Trade)
		errs := make(chan error, 1)
		close(trades)
		errs <- errors.New("websocket: close 1006 (abnormal closure)")
		close(errs)
		return trades, errs, nil
	}
	_, err = c.streamCheck(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1006") {
		t.Fatalf("streamCheck() error = %v, want close reason", err)
	}
}

func writeBitso(w http.ResponseWriter, payload string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"success":true,"payload":`+payload+`}`)
}

func TestRunFlushesAlertsAndSpansOnFailure(t *testing.T) {
	exchangeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /ticker/":
			writeBitso(w, `{"book":"btc_mxn","ask":"500010","bid":"500000"}`)
		case "GET /balance/":
			writeBitso(w, `{"balances":[{"currency":"mxn","available":"1000000"},{"currency":"btc","available":"0"}]}`)
		case "POST /orders/":
			writeBitso(w, `{"oid":"o-1"}`)
		case "GET /orders/o-1/":
			writeBitso(w, `[{"oid":"o-1","status":"frozen"}]`)
		case "DELETE /orders/o-1/":
			writeBitso(w, `["o-1"]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer exchangeSrv.Close()

	var (
		mu       sync.Mutex
		messages []string
	)
	telegramSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		messages = append(messages, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer telegramSrv.Close()

	dir := t.TempDir()
	tracePath := filepath.Join(dir, "spans.json")
	configPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`market:
  asset: btc
  currency: mxn
exchange:
  api_key: key
  api_secret: secret
  rest_base_url: %s
  placement_delay_ms: 0
  prefetch_fee: false
retry:
  max_retries: 1
  initial_interval_ms: 1
  max_interval_ms: 2
logging:
  output: %s
observability:
  telegram:
    enabled: true
    bot_token: token
    chat_id: "42"
    api_base_url: %s
  tracing:
    enabled: true
    output: %s
`, exchangeSrv.URL, filepath.Join(dir, "check.log"), telegramSrv.URL, tracePath)
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BITSO_API_KEY", "")
	t.Setenv("BITSO_API_SECRET", "")

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", configPath,
		"-env-file", filepath.Join(dir, "missing.env"),
		"-check", "lifecycle",
		"-allow-trade",
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("run() = %d, want 1 (stdout=%q stderr=%q)", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "[FAIL] order_lifecycle_place_check_cancel") {
		t.Fatalf("stdout = %q, want lifecycle FAIL line", stdout.String())
	}

	mu.Lock()
	sent := strings.Join(messages, "\n")
	mu.Unlock()
	if !strings.Contains(sent, "order_unexpected_state") {
		t.Fatalf("telegram messages = %q, want order_unexpected_state delivered before exit", sent)
	}

	spans, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("read spans: %v", err)
	}
	for _, name := range []string{"bitso.placeOrder", "bitso.checkOrder", "bitso.cancelOrder"} {
		if !bytes.Contains(spans, []byte(name)) {
			t.Fatalf("span file missing %s", name)
		}
	}
}

func TestRunRejectsLifecycleWithoutAllowTrade(t *testing.T) {
	t.Setenv("BITSO_API_KEY", "")
	t.Setenv("BITSO_API_SECRET", "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("market:\n  asset: btc\n  currency: mxn\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", configPath, "-env-file", filepath.Join(dir, "missing.env"), "-check", "lifecycle"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "-allow-trade") {
		t.Fatalf("stderr = %q, want allow-trade hint", stderr.String())
	}
}
