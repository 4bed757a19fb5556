package bitso

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitso-adapter/internal/core"
)

func TestRESTTransportSignsPrivateRequests(t *testing.T) {
	type seen struct {
		method, uri, body, auth string
	}
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, seen{r.Method, r.URL.RequestURI(), string(body), r.Header.Get("Authorization")})
		writePayload(w, `{}`)
	}))
	defer srv.Close()

	tr, err := NewRESTTransport(RESTOptions{BaseURL: srv.URL + "/v3/", APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	fixed := time.UnixMilli(1700000000000)
	tr.now = func() time.Time { return fixed }

	ctx := context.Background()
	_, err = tr.Invoke(ctx, EndpointOrder, map[string]string{"oid": "a/b", "book": "btc_mxn"}, http.MethodDelete)
	require.NoError(t, err)
	_, err = tr.Invoke(ctx, EndpointOrders, map[string]string{"book": "btc_mxn", "side": "buy"}, http.MethodPost)
	require.NoError(t, err)
	_, err = tr.Invoke(ctx, EndpointTicker, map[string]string{"book": "btc_mxn"}, "")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "/v3/orders/a%2Fb/?book=btc_mxn", got[0].uri)
	assert.Equal(t, `{"book":"btc_mxn","side":"buy"}`, got[1].body)
	assert.Equal(t, http.MethodGet, got[2].method)
	assert.Empty(t, got[2].auth)

	var nonces []int64
	for _, s := range got[:2] {
		parts := strings.SplitN(strings.TrimPrefix(s.auth, "Bitso "), ":", 3)
		require.Len(t, parts, 3, s.auth)
		assert.Equal(t, "key", parts[0])
		nonce, err := strconv.ParseInt(parts[1], 10, 64)
		require.NoError(t, err)
		nonces = append(nonces, nonce)
		assert.Equal(t, sign("secret", parts[1]+s.method+s.uri+s.body), parts[2])
	}
	assert.Equal(t, int64(1700000000000), nonces[0])
	assert.Greater(t, nonces[1], nonces[0], "nonce must increase even when the clock does not")
}

func TestRESTTransportRefusesPrivateCallsWithoutCredentials(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	tr, err := NewRESTTransport(RESTOptions{BaseURL: srv.URL + "/v3"})
	require.NoError(t, err)
	_, err = tr.Invoke(context.Background(), EndpointBalance, nil, http.MethodGet)
	assert.ErrorIs(t, err, core.ErrCredentialsRequired)
	assert.False(t, called)
}

func TestRESTTransportErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/ticker/":
			writeAPIError(w, http.StatusBadRequest, "0301", "Unknown OrderBook")
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "<html>502</html>")
		}
	}))
	defer srv.Close()

	tr, err := NewRESTTransport(RESTOptions{BaseURL: srv.URL + "/v3"})
	require.NoError(t, err)

	_, err = tr.Invoke(context.Background(), EndpointTicker, nil, http.MethodGet)
	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "Response code 400: Error 0301: Unknown OrderBook", err.Error())

	_, err = tr.Invoke(context.Background(), EndpointTrades, nil, http.MethodGet)
	var httpErr HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "Response code 502 (<html>502</html>)", err.Error())
}

func TestNewRESTTransportValidatesBaseURL(t *testing.T) {
	_, err := NewRESTTransport(RESTOptions{BaseURL: "api.bitso.com"})
	assert.Error(t, err)
}
