package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type TimeInForce string

// Interval is a candle width as the exchange spells it.
type Interval string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit           OrderType = "LIMIT"
	Market          OrderType = "MARKET"
	StopLoss        OrderType = "STOP_LOSS"
	StopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	TakeProfit      OrderType = "TAKE_PROFIT"
	TakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
	LimitMaker      OrderType = "LIMIT_MAKER"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPendingNew      OrderStatus = "PENDING_NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
)

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

var intervals = map[Interval]struct{}{
	Interval1s: {}, Interval1m: {}, Interval3m: {}, Interval5m: {}, Interval15m: {},
	Interval30m: {}, Interval1h: {}, Interval2h: {}, Interval4h: {}, Interval6h: {},
	Interval8h: {}, Interval12h: {}, Interval1d: {}, Interval3d: {}, Interval1w: {},
	Interval1M: {},
}

func (i Interval) Valid() bool {
	_, ok := intervals[i]
	return ok
}

// RequiresPrice reports whether orders of this type must carry a limit price.
func (t OrderType) RequiresPrice() bool {
	switch t {
	case Limit, StopLossLimit, TakeProfitLimit, LimitMaker:
		return true
	}
	return false
}

// ClosesOpenOrder reports whether an order in this status leaves the open
// orders cache. Filled orders stay tracked.
func (s OrderStatus) ClosesOpenOrder() bool {
	switch s {
	case OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// NormalizeSymbol upper-cases a trading pair and rejects anything that is not
// a plain alphanumeric exchange symbol.
func NormalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", ErrInvalidSymbol
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", ErrInvalidSymbol
		}
	}
	return symbol, nil
}

type Kline struct {
	OpenTime            time.Time
	CloseTime           time.Time
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	QuoteVolume         decimal.Decimal
	Trades              int64
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
}

// KlineUpdate is one streamed candle. Closed is false while the candle is
// still forming.
type KlineUpdate struct {
	Symbol    string
	Interval  Interval
	EventTime time.Time
	Kline     Kline
	Closed    bool
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Wallet maps asset to balance.
type Wallet map[string]Balance

func (w Wallet) Clone() Wallet {
	out := make(Wallet, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

type Fill struct {
	TradeID         int64
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// OrderReport is the latest known state of one order, from either a REST
// response or an execution report.
type OrderReport struct {
	Symbol             string
	OrderID            string
	ClientOrderID      string
	TransactTime       time.Time
	Side               Side
	Type               OrderType
	TimeInForce        TimeInForce
	Status             OrderStatus
	Price              decimal.Decimal
	OrigQty            decimal.Decimal
	ExecutedQty        decimal.Decimal
	OrigQuoteOrderQty  decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	Fills              []Fill
}

func (r OrderReport) Clone() OrderReport {
	if r.Fills != nil {
		r.Fills = append([]Fill(nil), r.Fills...)
	}
	return r
}

// Order is a new order request.
type Order struct {
	Symbol           string
	Side             Side
	Type             OrderType
	TimeInForce      TimeInForce
	Quantity         decimal.Decimal
	QuoteOrderQty    decimal.Decimal
	Price            decimal.Decimal
	StopPrice        decimal.Decimal
	NewClientOrderID string
}

// CancelOrder identifies an order to cancel by exchange id or client id.
type CancelOrder struct {
	Symbol           string
	OrderID          string
	ClientOrderID    string
	NewClientOrderID string
}

// KlineQuery selects historical candles. Zero Limit, Start or End are omitted
// from the request. TimeZone is an IANA name or a UTC offset such as "+08:00".
type KlineQuery struct {
	Symbol   string
	Interval Interval
	Limit    int
	Start    time.Time
	End      time.Time
	TimeZone string
}
