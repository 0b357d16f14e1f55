// Package exchange defines the connector contract a trading engine consumes.
package exchange

import (
	"context"

	"trend-connector/internal/core"
	"trend-connector/internal/event"
)

// Connector is a started-or-stopped view of one exchange account plus its
// public market data.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Wallet(ctx context.Context, refresh bool) (core.Wallet, error)
	OpenOrders(ctx context.Context, symbol string, refresh bool) ([]core.OrderReport, error)

	KlineSubscribe(ctx context.Context, symbol string, interval core.Interval, h event.Handler[core.KlineUpdate]) (event.Token, error)
	KlineUnsubscribe(ctx context.Context, req KlineUnsubscribe) error
	WalletSubscribe(h event.Handler[[]core.Balance]) (event.Token, error)
	WalletUnsubscribe(token event.Token) bool
	OrdersSubscribe(h event.Handler[core.OrderReport]) (event.Token, error)
	OrdersUnsubscribe(token event.Token) bool

	HistoricalCandles(ctx context.Context, q core.KlineQuery) ([]core.Kline, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.OrderReport, error)
	CancelOrder(ctx context.Context, cancel core.CancelOrder) (core.OrderReport, error)
}

// KlineUnsubscribe selects what to remove. Token removes one handler.
// Symbol and Interval remove a whole channel. Symbol alone removes every
// interval of that symbol.
type KlineUnsubscribe struct {
	Token    event.Token
	Symbol   string
	Interval core.Interval
}
