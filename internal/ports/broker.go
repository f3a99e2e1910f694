package ports

import (
	"context"
)

// ProductType is the broker order wrapper: plain intraday or a manual
// bracket (entry + SL child + target child).
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductBracket  ProductType = "BRACKET"
)

// PriceType is the broker's order-pricing mode.
type PriceType string

const (
	PriceMarket    PriceType = "MKT"
	PriceLimit     PriceType = "LMT"
	PriceSLMarket  PriceType = "SL-MKT"
)

// PlaceOrderRequest is everything the Broker Gateway needs to place one leg.
type PlaceOrderRequest struct {
	Side            string // "B" or "S"
	Product         ProductType
	Exchange        string
	Symbol          string
	Quantity        float64
	PriceType       PriceType
	Price           float64
	TriggerPrice    float64
	Retention       string // "DAY", "IOC", ...
	Remarks         string
	OrderRef        string // secondary correlation tag, see domain.OrderRef
	BookLossRange   float64 // bracket SL leg offset, 0 if not a bracket
	BookProfitRange float64 // bracket target leg offset, 0 if not a bracket
}

// PlacedOrder is the broker's ack for a successful placement.
type PlacedOrder struct {
	OrderNo string
}

// ModifyOrderRequest carries the fields a modify call is allowed to change.
type ModifyOrderRequest struct {
	OrderNo         string
	Exchange        string
	Symbol          string
	NewQuantity     float64
	NewPriceType    PriceType
	NewTriggerPrice float64
}

// OrderBookRow is one entry of the broker's live order book, normalized
// enough for domain.Classify to turn into a Classified leg/status pair.
type OrderBookRow struct {
	OrderNo        string
	Remarks        string
	OrderRef       string // echoed back from PlaceOrderRequest.OrderRef, survives child-leg remarks truncation
	Status         string
	Exchange       string
	Symbol         string
	Quantity       float64
	Price          float64
	TriggerPrice   float64
	FillTimestamp  int64
	ParentOrderNo  string
	IsBracketChild bool
	ChildIsSL      bool
}

// QuoteEvent is one on_quote tick from the broker websocket feed.
type QuoteEvent struct {
	Exchange string
	Token    string
	LTP      float64
	Time     int64
}

// OrderUpdateEvent is one on_order_update push from the broker websocket feed.
type OrderUpdateEvent struct {
	OrderNo      string
	Remarks      string
	OrderRef     string // echoed back from PlaceOrderRequest.OrderRef, survives child-leg remarks truncation
	Status       string
	Exchange     string
	Symbol       string
	FillPrice    float64
	TriggerPrice float64 // the leg's armed trigger price; set on TRIGGER_PENDING/OPEN, not on a fill
	Timestamp    int64
	ParentOrderNo string
}

// BrokerGateway is the engine's one coupling point to the vendor API: login,
// order placement/lifecycle, the order book/history, the streaming feed, and
// the SL-update-rejection probe. Every method returning (T, error) with a nil
// T and non-nil error is the "transient broker" case from the error-handling
// taxonomy: callers retry once through the gateway's own retry decorator
// before giving up and marking the row.
//
// Grounded on the teacher's OrderExecutor/MergeExecutor split (ports/executor.go),
// generalized from "CLOB order placement + on-chain merge" to "bracket order
// placement + websocket order-update feed," which is this domain's equivalent
// coupling surface.
type BrokerGateway interface {
	// Login establishes a broker session. A failure here is fatal/startup-only.
	Login(ctx context.Context) error

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlacedOrder, error)
	ModifyOrder(ctx context.Context, req ModifyOrderRequest) error
	CancelOrder(ctx context.Context, orderNo string) error

	// CloseBracketOrder exits both children of a bracket at market.
	CloseBracketOrder(ctx context.Context, orderNo string) error

	GetOrderBook(ctx context.Context) ([]OrderBookRow, error)
	GetOrderHistory(ctx context.Context, orderNo string) ([]OrderBookRow, error)

	// IsSLUpdateRejected inspects order history for a rejection of the most
	// recent SL modify, returning the rejection reason when true.
	IsSLUpdateRejected(ctx context.Context, orderNo string) (bool, string, error)

	// StartWebSocket opens the streaming feed and dispatches events to the
	// four callbacks for the lifetime of ctx. It does not return until the
	// feed is closed (by ctx cancellation) or fails unrecoverably.
	StartWebSocket(ctx context.Context, cb WebSocketCallbacks) error
	Subscribe(ctx context.Context, instruments []string) error
	SubscribeOrders(ctx context.Context) error
	Unsubscribe(ctx context.Context, instruments []string) error
}

// WebSocketCallbacks are the four broker feed hooks from spec.md §6. OnOpen
// and OnError carry no payload beyond the reconnect signal; OnQuote and
// OnOrderUpdate deliver one event each. All four are invoked from the
// adapter's own goroutine(s) — never assume single-threaded delivery here,
// only the consumer's inbound channel enforces that.
type WebSocketCallbacks struct {
	OnQuote       func(QuoteEvent)
	OnOpen        func()
	OnError       func(err error)
	OnOrderUpdate func(OrderUpdateEvent)
}
