// Package obs decorates an exchange.Adapter with a span and a log line per
// operation.
package obs

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"bitso-adapter/internal/core"
	"bitso-adapter/internal/exchange"
	"bitso-adapter/internal/logger"
)

const tracerName = "bitso-adapter/exchange"

type Adapter struct {
	exchange.Adapter
	tracer trace.Tracer
	log    *logrus.Entry
	attrs  []attribute.KeyValue
}

var _ exchange.Adapter = (*Adapter)(nil)

// Wrap traces every I/O operation of next. A nil provider disables spans
// but keeps the logging.
func Wrap(next exchange.Adapter, tp trace.TracerProvider, l *logrus.Logger) *Adapter {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	pair := next.Pair()
	return &Adapter{
		Adapter: next,
		tracer:  tp.Tracer(tracerName),
		log:     logger.Component(l, "obs").WithFields(logrus.Fields{"exchange": next.Name(), "pair": pair.String()}),
		attrs: []attribute.KeyValue{
			attribute.String("exchange", next.Name()),
			attribute.String("pair", pair.String()),
		},
	}
}

func (a *Adapter) GetTicker(ctx context.Context) (core.Ticker, error) {
	return traced(ctx, a, exchange.OpGetTicker, nil, a.Adapter.GetTicker)
}

func (a *Adapter) GetPortfolio(ctx context.Context) (core.Portfolio, error) {
	return traced(ctx, a, exchange.OpGetPortfolio, nil, a.Adapter.GetPortfolio)
}

func (a *Adapter) GetFee(ctx context.Context) (decimal.Decimal, error) {
	return traced(ctx, a, exchange.OpGetFee, nil, a.Adapter.GetFee)
}

func (a *Adapter) GetTrades(ctx context.Context, since time.Time, descending bool) ([]core.Trade, error) {
	attrs := []attribute.KeyValue{attribute.Bool("descending", descending)}
	if !since.IsZero() {
		attrs = append(attrs, attribute.Int64("since_unix", since.Unix()))
	}
	return traced(ctx, a, exchange.OpGetTrades, attrs, func(ctx context.Context) ([]core.Trade, error) {
		trades, err := a.Adapter.GetTrades(ctx, since, descending)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("trades", len(trades)))
		return trades, err
	})
}

func (a *Adapter) PlaceOrder(ctx context.Context, side core.Side, amount, price decimal.Decimal) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("side", string(side)),
		attribute.String("amount", amount.String()),
		attribute.String("price", price.String()),
	}
	return traced(ctx, a, exchange.OpPlaceOrder, attrs, func(ctx context.Context) (string, error) {
		id, err := a.Adapter.PlaceOrder(ctx, side, amount, price)
		if id != "" {
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("order_id", id))
		}
		return id, err
	})
}

func (a *Adapter) GetOrderFills(ctx context.Context, orderID string) (core.OrderFills, error) {
	return traced(ctx, a, exchange.OpGetOrderFills, orderAttrs(orderID), func(ctx context.Context) (core.OrderFills, error) {
		fills, err := a.Adapter.GetOrderFills(ctx, orderID)
		if err == nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("visibility", string(fills.Visibility)))
		}
		return fills, err
	})
}

func (a *Adapter) CheckOrder(ctx context.Context, orderID string) (core.OrderStatus, error) {
	return traced(ctx, a, exchange.OpCheckOrder, orderAttrs(orderID), func(ctx context.Context) (core.OrderStatus, error) {
		st, err := a.Adapter.CheckOrder(ctx, orderID)
		if err == nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("state", string(st.State)))
		}
		return st, err
	})
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error) {
	return traced(ctx, a, exchange.OpCancelOrder, orderAttrs(orderID), func(ctx context.Context) (core.CancelResult, error) {
		res, err := a.Adapter.CancelOrder(ctx, orderID)
		if err == nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("filled", res.Filled))
		}
		return res, err
	})
}

func orderAttrs(orderID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("order_id", orderID)}
}

func traced[T any](ctx context.Context, a *Adapter, op string, extra []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	attrs := make([]attribute.KeyValue, 0, len(a.attrs)+len(extra)+1)
	attrs = append(attrs, a.attrs...)
	attrs = append(attrs, attribute.String("op", op))
	attrs = append(attrs, extra...)

	ctx, span := a.tracer.Start(ctx, a.Adapter.Name()+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	v, err := fn(ctx)
	entry := a.log.WithFields(logrus.Fields{"op": op, "duration_ms": time.Since(start).Milliseconds()})
	if err != nil {
		kind := core.KindFatal
		if ce, ok := core.AsClassified(err); ok {
			kind = ce.Kind
		}
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).WithField("kind", kind).Warn("exchange call failed")
		return v, err
	}
	span.SetStatus(codes.Ok, "")
	entry.Debug("exchange call done")
	return v, nil
}
