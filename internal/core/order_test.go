package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderValidateLimit(t *testing.T) {
	order := Order{
		Symbol:      "btcusdt",
		Side:        Buy,
		Type:        Limit,
		TimeInForce: GTC,
		Price:       decimal.RequireFromString("100.5"),
		Quantity:    decimal.RequireFromString("0.1"),
	}
	if err := order.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestOrderValidateMarketQuoteQty(t *testing.T) {
	order := Order{
		Symbol:        "BTCUSDT",
		Side:          Sell,
		Type:          Market,
		QuoteOrderQty: decimal.RequireFromString("25"),
	}
	if err := order.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestOrderValidateRejects(t *testing.T) {
	base := Order{
		Symbol:      "BTCUSDT",
		Side:        Buy,
		Type:        Limit,
		TimeInForce: GTC,
		Price:       decimal.RequireFromString("100"),
		Quantity:    decimal.RequireFromString("1"),
	}
	cases := map[string]func(o *Order){
		"both quantities": func(o *Order) { o.QuoteOrderQty = decimal.RequireFromString("5") },
		"no quantity":     func(o *Order) { o.Quantity = decimal.Zero },
		"negative price":  func(o *Order) { o.Price = decimal.RequireFromString("-1") },
		"missing price":   func(o *Order) { o.Price = decimal.Zero },
		"missing tif":     func(o *Order) { o.TimeInForce = "" },
		"market with tif": func(o *Order) { o.Type = Market; o.Price = decimal.Zero },
		"bad side":        func(o *Order) { o.Side = "HOLD" },
		"bad type":        func(o *Order) { o.Type = "OCO" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			order := base
			mutate(&order)
			if err := order.Validate(); !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("Validate() error = %v, want %v", err, ErrInvalidOrder)
			}
		})
	}
}

func TestOrderValidateBadSymbol(t *testing.T) {
	order := Order{Symbol: "BTC-USDT", Side: Buy, Type: Market, Quantity: decimal.NewFromInt(1)}
	if err := order.Validate(); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("Validate() error = %v, want %v", err, ErrInvalidSymbol)
	}
}

func TestCancelOrderValidate(t *testing.T) {
	if err := (CancelOrder{Symbol: "BTCUSDT"}).Validate(); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("Validate() error = %v, want %v", err, ErrInvalidOrder)
	}
	if err := (CancelOrder{Symbol: "BTCUSDT", ClientOrderID: "c-1"}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
