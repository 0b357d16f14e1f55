package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"trend-connector/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type fillResponse struct {
	TradeID         int64  `json:"tradeId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// orderResponse covers the order placement, cancel, and open orders shapes.
type orderResponse struct {
	Symbol             string         `json:"symbol"`
	OrderID            int64          `json:"orderId"`
	ClientOrderID      string         `json:"clientOrderId"`
	TransactTime       int64          `json:"transactTime"`
	Time               int64          `json:"time"`
	UpdateTime         int64          `json:"updateTime"`
	Price              string         `json:"price"`
	OrigQty            string         `json:"origQty"`
	ExecutedQty        string         `json:"executedQty"`
	OrigQuoteOrderQty  string         `json:"origQuoteOrderQty"`
	CumulativeQuoteQty string         `json:"cummulativeQuoteQty"`
	Status             string         `json:"status"`
	TimeInForce        string         `json:"timeInForce"`
	Type               string         `json:"type"`
	Side               string         `json:"side"`
	Fills              []fillResponse `json:"fills"`
}

func (o orderResponse) toReport() core.OrderReport {
	ts := o.TransactTime
	if ts == 0 {
		ts = o.UpdateTime
	}
	if ts == 0 {
		ts = o.Time
	}
	report := core.OrderReport{
		Symbol:             o.Symbol,
		OrderID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:      o.ClientOrderID,
		Side:               core.Side(o.Side),
		Type:               core.OrderType(o.Type),
		TimeInForce:        core.TimeInForce(o.TimeInForce),
		Status:             core.OrderStatus(o.Status),
		Price:              parseDecimal(o.Price),
		OrigQty:            parseDecimal(o.OrigQty),
		ExecutedQty:        parseDecimal(o.ExecutedQty),
		OrigQuoteOrderQty:  parseDecimal(o.OrigQuoteOrderQty),
		CumulativeQuoteQty: parseDecimal(o.CumulativeQuoteQty),
	}
	if ts > 0 {
		report.TransactTime = time.UnixMilli(ts).UTC()
	}
	for _, f := range o.Fills {
		report.Fills = append(report.Fills, core.Fill{
			TradeID:         f.TradeID,
			Price:           parseDecimal(f.Price),
			Qty:             parseDecimal(f.Qty),
			Commission:      parseDecimal(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return report
}

func parseDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
