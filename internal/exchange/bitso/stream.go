package bitso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bitso-adapter/internal/core"
)

const streamReadTimeout = 45 * time.Second

// TradeStream is a public trades subscription for one book.
type TradeStream struct {
	conn      *websocket.Conn
	book      string
	keepalive time.Duration
	now       func() time.Time
}

type wsSubscribe struct {
	Action string `json:"action"`
	Book   string `json:"book"`
	Type   string `json:"type"`
}

type wsMessage struct {
	Type     string          `json:"type"`
	Book     string          `json:"book"`
	Action   string          `json:"action"`
	Response string          `json:"response"`
	Sent     int64           `json:"sent"`
	Payload  json.RawMessage `json:"payload"`
}

type wsTrade struct {
	ID     json.Number `json:"i"`
	Amount string      `json:"a"`
	Rate   string      `json:"r"`
	Value  string      `json:"v"`
}

// NewTradeStream dials wsURL and subscribes to the trades channel of book.
func NewTradeStream(ctx context.Context, wsURL, book string, keepalive time.Duration) (*TradeStream, error) {
	if wsURL == "" {
		return nil, errors.New("ws base url required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(wsSubscribe{Action: "subscribe", Book: book, Type: "trades"}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &TradeStream{conn: conn, book: book, keepalive: keepalive, now: time.Now}, nil
}

// Trades streams normalized trades until ctx ends or the connection fails.
// Subscription acks and keep-alive frames are skipped. Both channels are
// closed when the stream ends; the error channel closes after trades.
func (s *TradeStream) Trades(ctx context.Context) (<-chan core.Trade, <-chan error) {
	trades := make(chan core.Trade)
	errCh := make(chan error, 4)
	done := make(chan struct{})
	pingerDone := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := streamReadTimeout
	if s.keepalive > 0 && s.keepalive*3 > readTimeout {
		readTimeout = s.keepalive * 3
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer func() {
			_ = s.conn.Close()
			close(trades)
			close(done)
			// the pinger reports errors too
			<-pingerDone
			close(errCh)
		}()

		for {
			_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					reportErr(err)
				}
				return
			}
			batch, err := s.decode(data)
			if err != nil {
				reportErr(err)
				continue
			}
			for _, trade := range batch {
				select {
				case trades <- trade:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		defer close(pingerDone)
		var tick <-chan time.Time
		if s.keepalive > 0 {
			ticker := time.NewTicker(s.keepalive)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = s.conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = s.conn.Close()
				return
			}
		}
	}()

	return trades, errCh
}

func (s *TradeStream) Close() error {
	return s.conn.Close()
}

func (s *TradeStream) decode(data []byte) ([]core.Trade, error) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil
	}
	if msg.Type != "trades" || msg.Action != "" {
		return nil, nil
	}
	if msg.Book != "" && !strings.EqualFold(msg.Book, s.book) {
		return nil, nil
	}
	if isNull(msg.Payload) {
		return nil, nil
	}
	var raw []wsTrade
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: trades frame: %v", core.ErrMalformedPayload, err)
	}
	ts := s.now()
	if msg.Sent > 0 {
		ts = time.UnixMilli(msg.Sent)
	}
	out := make([]core.Trade, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Rate)
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil || amount.Sign() <= 0 {
			continue
		}
		out = append(out, core.Trade{ID: r.ID.String(), Time: ts, Price: price, Amount: amount})
	}
	return out, nil
}
