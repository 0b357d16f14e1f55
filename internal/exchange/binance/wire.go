package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"trend-connector/internal/core"
)

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"

	eventKline                   = "kline"
	eventExecutionReport         = "executionReport"
	eventOutboundAccountPosition = "outboundAccountPosition"
)

// controlFrame subscribes or unsubscribes public market streams.
type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func encodeControl(method string, streams []string, id uint64) ([]byte, error) {
	return json.Marshal(controlFrame{Method: method, Params: streams, ID: id})
}

// wsRequest is a WebSocket API request. ID is a string so logon and
// subscribe acks can be told apart.
type wsRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type klineEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineFrame struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime            int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Symbol              string `json:"s"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		Close               string `json:"c"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Volume              string `json:"v"`
		FirstTradeID        int64  `json:"f"`
		LastTradeID         int64  `json:"L"`
		Trades              int64  `json:"n"`
		Closed              bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

// decodeKline reports ok=false for frames that are not kline events, such as
// subscription acks. Combined stream envelopes are unwrapped.
func decodeKline(msg []byte) (core.KlineUpdate, bool, error) {
	var env klineEnvelope
	if err := json.Unmarshal(msg, &env); err == nil && len(env.Data) > 0 {
		msg = env.Data
	}
	var f klineFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return core.KlineUpdate{}, false, fmt.Errorf("decode kline: %w", err)
	}
	if f.EventType != eventKline {
		return core.KlineUpdate{}, false, nil
	}
	sym := f.Symbol
	if sym == "" {
		sym = f.Kline.Symbol
	}
	k := f.Kline
	return core.KlineUpdate{
		Symbol:    sym,
		Interval:  core.Interval(k.Interval),
		EventTime: time.UnixMilli(f.EventTime).UTC(),
		Closed:    k.Closed,
		Kline: core.Kline{
			OpenTime:            time.UnixMilli(k.OpenTime).UTC(),
			CloseTime:           time.UnixMilli(k.CloseTime).UTC(),
			Open:                parseDecimal(k.Open),
			High:                parseDecimal(k.High),
			Low:                 parseDecimal(k.Low),
			Close:               parseDecimal(k.Close),
			Volume:              parseDecimal(k.Volume),
			QuoteVolume:         parseDecimal(k.QuoteVolume),
			Trades:              k.Trades,
			TakerBuyBaseVolume:  parseDecimal(k.TakerBuyBaseVolume),
			TakerBuyQuoteVolume: parseDecimal(k.TakerBuyQuoteVolume),
		},
	}, true, nil
}

// privateFrame is the union of WebSocket API responses and user data events.
// Events arrive either wrapped as {"event": {...}} or bare.
type privateFrame struct {
	ID     json.RawMessage `json:"id"`
	Status int             `json:"status"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
	Event     json.RawMessage `json:"event"`
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
}

func (f privateFrame) responseID() string {
	if len(f.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.ID, &s); err == nil {
		return s
	}
	return string(f.ID)
}

type eventHead struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// Keys that differ only by case must all be mapped, otherwise the decoder
// folds them onto the wrong field.

type executionReport struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	ClientOrderID      string `json:"c"`
	Side               string `json:"S"`
	OrderType          string `json:"o"`
	OrigClientOrderID  string `json:"C"`
	TimeInForce        string `json:"f"`
	IcebergQty         string `json:"F"`
	Quantity           string `json:"q"`
	Price              string `json:"p"`
	StopPrice          string `json:"P"`
	ExecutionType      string `json:"x"`
	Status             string `json:"X"`
	OrderID            int64  `json:"i"`
	Ignore             int64  `json:"I"`
	CreationTime       int64  `json:"O"`
	LastQty            string `json:"l"`
	CumulativeQty      string `json:"z"`
	LastPrice          string `json:"L"`
	Commission         string `json:"n"`
	CommissionAsset    string `json:"N"`
	TransactTime       int64  `json:"T"`
	TradeID            int64  `json:"t"`
	CumulativeQuoteQty string `json:"Z"`
	QuoteOrderQty      string `json:"Q"`
}

func (r executionReport) toReport() core.OrderReport {
	report := core.OrderReport{
		Symbol:             r.Symbol,
		OrderID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:      r.ClientOrderID,
		TransactTime:       time.UnixMilli(r.TransactTime).UTC(),
		Side:               core.Side(r.Side),
		Type:               core.OrderType(r.OrderType),
		TimeInForce:        core.TimeInForce(r.TimeInForce),
		Status:             core.OrderStatus(r.Status),
		Price:              parseDecimal(r.Price),
		OrigQty:            parseDecimal(r.Quantity),
		ExecutedQty:        parseDecimal(r.CumulativeQty),
		OrigQuoteOrderQty:  parseDecimal(r.QuoteOrderQty),
		CumulativeQuoteQty: parseDecimal(r.CumulativeQuoteQty),
	}
	if r.TradeID > 0 {
		report.Fills = []core.Fill{{
			TradeID:         r.TradeID,
			Price:           parseDecimal(r.LastPrice),
			Qty:             parseDecimal(r.LastQty),
			Commission:      parseDecimal(r.Commission),
			CommissionAsset: r.CommissionAsset,
		}}
	}
	return report
}

type accountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (p accountPosition) toBalances() []core.Balance {
	out := make([]core.Balance, 0, len(p.Balances))
	for _, b := range p.Balances {
		out = append(out, core.Balance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		})
	}
	return out
}
