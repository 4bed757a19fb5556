package bitso

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"bitso-adapter/internal/core"
)

// Transport performs one raw exchange request and returns the response body.
type Transport interface {
	Invoke(ctx context.Context, endpoint string, params map[string]string, method string) ([]byte, error)
}

// Endpoint templates. Path parameters in braces are filled from params.
const (
	EndpointTicker     = "ticker"
	EndpointTrades     = "trades"
	EndpointBalance    = "balance"
	EndpointFees       = "fees"
	EndpointOrders     = "orders"
	EndpointUserTrades = "user_trades"
	EndpointOrder      = "orders/{oid}"
)

var publicEndpoints = map[string]bool{
	EndpointTicker: true,
	EndpointTrades: true,
}

type RESTOptions struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// RESTTransport signs private requests with the Bitso HMAC scheme and paces
// all requests through a token bucket.
type RESTTransport struct {
	baseURL   string
	basePath  string
	apiKey    string
	apiSecret string
	client    *resty.Client
	limiter   *rate.Limiter

	nonceMu   sync.Mutex
	lastNonce int64
	now       func() time.Time
}

func NewRESTTransport(opts RESTOptions) (*RESTTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid rest base url %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &RESTTransport{
		baseURL:   base,
		basePath:  parsed.Path,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		client:    resty.New().SetTimeout(timeout),
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
	}, nil
}

func (t *RESTTransport) hasCredentials() bool {
	return t.apiKey != "" && t.apiSecret != ""
}

func (t *RESTTransport) Invoke(ctx context.Context, endpoint string, params map[string]string, method string) ([]byte, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	private := !publicEndpoints[endpoint]
	if private && !t.hasCredentials() {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, core.ErrCredentialsRequired)
	}
	path, rest := expandEndpoint(endpoint, params)
	requestPath := t.basePath + "/" + path + "/"

	var body []byte
	if method == http.MethodGet || method == http.MethodDelete {
		if q := encodeQuery(rest); q != "" {
			requestPath += "?" + q
		}
	} else if len(rest) > 0 {
		encoded, err := json.Marshal(rest)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := t.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if private {
		req.SetHeader("Authorization", t.authorization(method, requestPath, body))
	}
	resp, err := req.Execute(method, t.origin()+requestPath)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, parseHTTPError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func (t *RESTTransport) origin() string {
	return strings.TrimSuffix(t.baseURL, t.basePath)
}

// authorization builds "Bitso <key>:<nonce>:<signature>" where the signature
// is HMAC-SHA256 over nonce, method, request path and body.
func (t *RESTTransport) authorization(method, requestPath string, body []byte) string {
	nonce := strconv.FormatInt(t.nextNonce(), 10)
	return "Bitso " + t.apiKey + ":" + nonce + ":" + sign(t.apiSecret, nonce+method+requestPath+string(body))
}

func (t *RESTTransport) nextNonce() int64 {
	t.nonceMu.Lock()
	defer t.nonceMu.Unlock()
	n := t.now().UnixMilli()
	if n <= t.lastNonce {
		n = t.lastNonce + 1
	}
	t.lastNonce = n
	return n
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// expandEndpoint fills {name} segments and returns the leftover params.
func expandEndpoint(endpoint string, params map[string]string) (string, map[string]string) {
	rest := make(map[string]string, len(params))
	for k, v := range params {
		rest[k] = v
	}
	path := endpoint
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(v))
			delete(rest, k)
		}
	}
	return path, rest
}

func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	return values.Encode()
}

func parseHTTPError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return APIError{Status: status, Code: rawCode(env.Error.Code), Message: env.Error.Message}
	}
	return HTTPError{Status: status, Body: string(body)}
}

func rawCode(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
