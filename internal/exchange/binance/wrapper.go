package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"trend-connector/internal/core"
	"trend-connector/internal/event"
	"trend-connector/internal/exchange"
)

// RestAPI is the REST surface the Wrapper needs.
type RestAPI interface {
	Account(ctx context.Context) (core.Wallet, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.OrderReport, error)
	HistoricalCandles(ctx context.Context, q core.KlineQuery) ([]core.Kline, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.OrderReport, error)
	CancelOrder(ctx context.Context, cancel core.CancelOrder) (core.OrderReport, error)
}

type orderKey struct {
	symbol  string
	orderID string
}

// Wrapper composes the REST client and both streams, and keeps a cached
// wallet and open order book reconciled from the private stream.
type Wrapper struct {
	rest    RestAPI
	public  *PublicStream
	private *PrivateStream
	logger  *slog.Logger

	lifeMu  sync.Mutex
	started bool
	// cache handler tokens on the private stream's events
	walletToken event.Token
	ordersToken event.Token

	mu     sync.RWMutex
	wallet core.Wallet
	orders map[orderKey]core.OrderReport
}

var _ exchange.Connector = (*Wrapper)(nil)

func NewWrapper(rest RestAPI, public *PublicStream, private *PrivateStream, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		rest:    rest,
		public:  public,
		private: private,
		logger:  logger.With("component", "binance_wrapper"),
		wallet:  core.Wallet{},
		orders:  map[orderKey]core.OrderReport{},
	}
}

func (w *Wrapper) Name() string { return "binance" }

// Start connects both streams, installs the cache handlers and loads the
// initial wallet and open orders. Any failure leaves the wrapper stopped.
func (w *Wrapper) Start(ctx context.Context) error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.started {
		return nil
	}
	if err := w.public.Start(ctx); err != nil {
		return err
	}
	if err := w.private.Start(ctx); err != nil {
		w.teardown(context.Background())
		return err
	}
	walletToken, err := w.private.WalletSubscribe(w.applyWallet)
	if err != nil {
		w.teardown(context.Background())
		return err
	}
	w.walletToken = walletToken
	ordersToken, err := w.private.OrdersSubscribe(w.applyOrder)
	if err != nil {
		w.teardown(context.Background())
		return err
	}
	w.ordersToken = ordersToken
	if err := w.refreshWallet(ctx); err != nil {
		w.teardown(context.Background())
		return fmt.Errorf("initial wallet: %w", err)
	}
	if err := w.refreshOrders(ctx, ""); err != nil {
		w.teardown(context.Background())
		return fmt.Errorf("initial open orders: %w", err)
	}
	w.started = true
	w.logger.Info("connector started")
	return nil
}

// Stop disconnects both streams and empties the caches.
func (w *Wrapper) Stop(ctx context.Context) error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	err := w.teardown(ctx)
	w.logger.Info("connector stopped")
	return err
}

// teardown removes the cache handlers, then stops both streams and empties
// the caches.
func (w *Wrapper) teardown(ctx context.Context) error {
	if w.walletToken != "" {
		w.private.WalletUnsubscribe(w.walletToken)
		w.walletToken = ""
	}
	if w.ordersToken != "" {
		w.private.OrdersUnsubscribe(w.ordersToken)
		w.ordersToken = ""
	}
	err := errors.Join(w.private.Stop(ctx), w.public.Stop(ctx))
	w.mu.Lock()
	w.wallet = core.Wallet{}
	w.orders = map[orderKey]core.OrderReport{}
	w.mu.Unlock()
	return err
}

func (w *Wrapper) isStarted() bool {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	return w.started
}

// Wallet returns a copy of the cached balances, reloading them first when
// refresh is set.
func (w *Wrapper) Wallet(ctx context.Context, refresh bool) (core.Wallet, error) {
	if !w.isStarted() {
		return nil, core.ErrNotStarted
	}
	if refresh {
		if err := w.refreshWallet(ctx); err != nil {
			return nil, err
		}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wallet.Clone(), nil
}

// OpenOrders returns copies of the cached open orders, for one symbol or for
// all when symbol is empty. With refresh only the requested scope is reloaded.
func (w *Wrapper) OpenOrders(ctx context.Context, symbol string, refresh bool) ([]core.OrderReport, error) {
	if !w.isStarted() {
		return nil, core.ErrNotStarted
	}
	if symbol != "" {
		sym, err := core.NormalizeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		symbol = sym
	}
	if refresh {
		if err := w.refreshOrders(ctx, symbol); err != nil {
			return nil, err
		}
	}
	w.mu.RLock()
	out := make([]core.OrderReport, 0, len(w.orders))
	for key, o := range w.orders {
		if symbol == "" || key.symbol == symbol {
			out = append(out, o.Clone())
		}
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactTime.Equal(out[j].TransactTime) {
			return out[i].TransactTime.Before(out[j].TransactTime)
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out, nil
}

func (w *Wrapper) refreshWallet(ctx context.Context) error {
	wallet, err := w.rest.Account(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.wallet = wallet.Clone()
	w.mu.Unlock()
	return nil
}

// refreshOrders replaces the cached orders of symbol, or the whole book when
// symbol is empty.
func (w *Wrapper) refreshOrders(ctx context.Context, symbol string) error {
	orders, err := w.rest.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if symbol == "" {
		w.orders = make(map[orderKey]core.OrderReport, len(orders))
	} else {
		for key := range w.orders {
			if key.symbol == symbol {
				delete(w.orders, key)
			}
		}
	}
	for _, o := range orders {
		w.orders[orderKey{symbol: o.Symbol, orderID: o.OrderID}] = o.Clone()
	}
	return nil
}

// applyWallet upserts streamed balances. Assets are never removed.
func (w *Wrapper) applyWallet(_ context.Context, balances []core.Balance) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range balances {
		w.wallet[b.Asset] = b
	}
	return nil
}

// applyOrder drops canceled, rejected and expired orders and upserts the
// rest. Filled orders stay in the book.
func (w *Wrapper) applyOrder(_ context.Context, report core.OrderReport) error {
	key := orderKey{symbol: report.Symbol, orderID: report.OrderID}
	w.mu.Lock()
	defer w.mu.Unlock()
	if report.Status.ClosesOpenOrder() {
		delete(w.orders, key)
		return nil
	}
	w.orders[key] = report.Clone()
	return nil
}

func (w *Wrapper) KlineSubscribe(ctx context.Context, symbol string, interval core.Interval, h event.Handler[core.KlineUpdate]) (event.Token, error) {
	return w.public.KlineSubscribe(ctx, symbol, interval, h)
}

func (w *Wrapper) KlineUnsubscribe(ctx context.Context, req exchange.KlineUnsubscribe) error {
	return w.public.KlineUnsubscribe(ctx, req)
}

func (w *Wrapper) WalletSubscribe(h event.Handler[[]core.Balance]) (event.Token, error) {
	return w.private.WalletSubscribe(h)
}

func (w *Wrapper) WalletUnsubscribe(token event.Token) bool {
	return w.private.WalletUnsubscribe(token)
}

func (w *Wrapper) OrdersSubscribe(h event.Handler[core.OrderReport]) (event.Token, error) {
	return w.private.OrdersSubscribe(h)
}

func (w *Wrapper) OrdersUnsubscribe(token event.Token) bool {
	return w.private.OrdersUnsubscribe(token)
}

func (w *Wrapper) HistoricalCandles(ctx context.Context, q core.KlineQuery) ([]core.Kline, error) {
	return w.rest.HistoricalCandles(ctx, q)
}

func (w *Wrapper) PlaceOrder(ctx context.Context, order core.Order) (core.OrderReport, error) {
	return w.rest.PlaceOrder(ctx, order)
}

func (w *Wrapper) CancelOrder(ctx context.Context, cancel core.CancelOrder) (core.OrderReport, error) {
	return w.rest.CancelOrder(ctx, cancel)
}

// AuthState reports the private stream handshake position.
func (w *Wrapper) AuthState() AuthState {
	return w.private.AuthState()
}
