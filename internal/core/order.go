package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Validate checks the request shape before it is sent to the exchange.
func (o Order) Validate() error {
	if _, err := NormalizeSymbol(o.Symbol); err != nil {
		return err
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	for name, v := range map[string]decimal.Decimal{
		"quantity":      o.Quantity,
		"quoteOrderQty": o.QuoteOrderQty,
		"price":         o.Price,
		"stopPrice":     o.StopPrice,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidOrder, name)
		}
	}
	hasQty := o.Quantity.IsPositive()
	hasQuote := o.QuoteOrderQty.IsPositive()
	if hasQty == hasQuote {
		return fmt.Errorf("%w: exactly one of quantity or quoteOrderQty is required", ErrInvalidOrder)
	}
	if hasQuote && o.Type != Market {
		return fmt.Errorf("%w: quoteOrderQty is only valid for MARKET orders", ErrInvalidOrder)
	}
	switch o.Type {
	case Market:
		if o.TimeInForce != "" {
			return fmt.Errorf("%w: timeInForce is not allowed for MARKET orders", ErrInvalidOrder)
		}
		if o.Price.IsPositive() {
			return fmt.Errorf("%w: price is not allowed for MARKET orders", ErrInvalidOrder)
		}
	case Limit, StopLoss, StopLossLimit, TakeProfit, TakeProfitLimit, LimitMaker:
		if o.Type.RequiresPrice() && !o.Price.IsPositive() {
			return fmt.Errorf("%w: price is required for %s orders", ErrInvalidOrder, o.Type)
		}
		if o.Type == Limit || o.Type == StopLossLimit || o.Type == TakeProfitLimit {
			if o.TimeInForce == "" {
				return fmt.Errorf("%w: timeInForce is required for %s orders", ErrInvalidOrder, o.Type)
			}
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, o.Type)
	}
	return nil
}

func (c CancelOrder) Validate() error {
	if _, err := NormalizeSymbol(c.Symbol); err != nil {
		return err
	}
	if c.OrderID == "" && c.ClientOrderID == "" {
		return fmt.Errorf("%w: orderId or origClientOrderId is required", ErrInvalidOrder)
	}
	return nil
}
