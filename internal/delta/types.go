package delta

import (
	"time"

	"github.com/tidwall/gjson"
)

const (
	OrderTypeMarket = "market_order"
	OrderSideBuy    = "buy"
	OrderSideSell   = "sell"
)

// Credentials identify one Delta account.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Position is an open position. Size is signed: long positive, short negative.
type Position struct {
	ProductID  int64
	Symbol     string
	Size       float64
	EntryPrice float64
}

type Fill struct {
	ID        int64
	ProductID int64
	Symbol    string
	Side      string
	Size      float64
	Price     float64
	CreatedAt time.Time
}

type Order struct {
	ID           int64
	ProductID    int64
	Symbol       string
	Side         string
	Size         float64
	State        string
	AveragePrice float64
	CreatedAt    time.Time
}

// OrderRequest is a market order. Size is a whole number of contracts.
type OrderRequest struct {
	ProductID     int64
	Size          int64
	Side          string
	ReduceOnly    bool
	ClientOrderID string
}

type OrderResult struct {
	OrderID string
	State   string
}

// Product is a tradable contract from the product catalog.
type Product struct {
	ID           int64
	Symbol       string
	ContractType string
	State        string
	// ContractValue is the underlying quantity per contract.
	ContractValue float64
	// InitialMarginPct is the initial margin as a percentage of notional.
	InitialMarginPct float64
}

func parsePosition(r gjson.Result) Position {
	symbol := r.Get("product_symbol").String()
	if symbol == "" {
		symbol = r.Get("product.symbol").String()
	}
	return Position{
		ProductID:  r.Get("product_id").Int(),
		Symbol:     symbol,
		Size:       r.Get("size").Float(),
		EntryPrice: r.Get("entry_price").Float(),
	}
}

func parseFill(r gjson.Result) Fill {
	return Fill{
		ID:        r.Get("id").Int(),
		ProductID: r.Get("product_id").Int(),
		Symbol:    r.Get("product_symbol").String(),
		Side:      r.Get("side").String(),
		Size:      r.Get("size").Float(),
		Price:     r.Get("price").Float(),
		CreatedAt: parseTime(r.Get("created_at")),
	}
}

func parseOrder(r gjson.Result) Order {
	return Order{
		ID:           r.Get("id").Int(),
		ProductID:    r.Get("product_id").Int(),
		Symbol:       r.Get("product_symbol").String(),
		Side:         r.Get("side").String(),
		Size:         r.Get("size").Float(),
		State:        r.Get("state").String(),
		AveragePrice: r.Get("average_fill_price").Float(),
		CreatedAt:    parseTime(r.Get("created_at")),
	}
}

func parseProduct(r gjson.Result) Product {
	return Product{
		ID:               r.Get("id").Int(),
		Symbol:           r.Get("symbol").String(),
		ContractType:     r.Get("contract_type").String(),
		State:            r.Get("state").String(),
		ContractValue:    r.Get("contract_value").Float(),
		InitialMarginPct: r.Get("initial_margin").Float(),
	}
}

// parseTime accepts RFC 3339 strings and unix timestamps in any precision.
func parseTime(r gjson.Result) time.Time {
	if r.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339Nano, r.String()); err == nil {
			return t
		}
	}
	if v := r.Int(); v > 0 {
		switch {
		case v > 1e15:
			return time.UnixMicro(v)
		case v > 1e12:
			return time.UnixMilli(v)
		}
		return time.Unix(v, 0)
	}
	return time.Time{}
}
