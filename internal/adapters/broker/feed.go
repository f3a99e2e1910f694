// Package broker implements ports.BrokerGateway against a generic discount
// broker's REST + websocket API: order placement over HTTP with rate
// limiting and retry, and a streaming feed for quotes and order updates.
//
// Grounded on the teacher's polymarket client (adapters/polymarket/client.go,
// rate-limited retry) and two pack repos' websocket feeds
// (0xtitan6-polymarket-mm's exchange/ws.go reconnect/backoff loop,
// yohannesjx-sniperterminal's hub.go subscribe-frame writing).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kvrao/intraday-engine/internal/ports"
)

const (
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	pingInterval     = 30 * time.Second
)

// feed owns the single websocket connection and dispatches every inbound
// frame to the four callbacks the engine registered via StartWebSocket.
type feed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu          sync.Mutex
	instruments    map[string]bool
	ordersSubbed   bool

	reconnectCount int
}

func newFeed(url string, logger *slog.Logger) *feed {
	return &feed{
		url:         url,
		logger:      logger.With("component", "broker_feed"),
		instruments: make(map[string]bool),
	}
}

// run connects and maintains the connection with exponential backoff,
// dispatching frames to cb until ctx is cancelled.
func (f *feed) run(ctx context.Context, cb ports.WebSocketCallbacks) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx, cb)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.reconnectCount++
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("websocket disconnected (reconnect #%d): %w", f.reconnectCount, err))
		}
		f.logger.Warn("feed disconnected, reconnecting",
			"error", err, "backoff", backoff, "reconnect_count", f.reconnectCount)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *feed) connectAndRead(ctx context.Context, cb ports.WebSocketCallbacks) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resendSubscriptions(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	if cb.OnOpen != nil {
		cb.OnOpen()
	}

	stopPing := make(chan struct{})
	go f.pingLoop(ctx, stopPing)
	defer close(stopPing)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(raw, cb)
	}
}

func (f *feed) pingLoop(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// wireFrame is the broker's tagged-union wire shape: one "type" discriminator
// plus a per-type payload.
type wireFrame struct {
	Type         string          `json:"type"`
	Exchange     string          `json:"exchange"`
	Token        string          `json:"token"`
	LTP          float64         `json:"ltp"`
	Time         int64           `json:"time"`
	OrderNo      string          `json:"order_no"`
	Remarks      string          `json:"remarks"`
	OrderRef     string          `json:"order_ref"`
	Status       string          `json:"status"`
	Symbol       string          `json:"symbol"`
	FillPrice    float64         `json:"fill_price"`
	TriggerPrice float64         `json:"trigger_price"`
	Timestamp    int64           `json:"timestamp"`
	ParentOrderNo string         `json:"parent_order_no"`
}

func (f *feed) dispatch(raw []byte, cb ports.WebSocketCallbacks) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		f.logger.Error("malformed feed frame", "error", err)
		return
	}
	switch w.Type {
	case "quote":
		if cb.OnQuote != nil {
			cb.OnQuote(ports.QuoteEvent{Exchange: w.Exchange, Token: w.Token, LTP: w.LTP, Time: w.Time})
		}
	case "order_update":
		if cb.OnOrderUpdate != nil {
			cb.OnOrderUpdate(ports.OrderUpdateEvent{
				OrderNo:       w.OrderNo,
				Remarks:       w.Remarks,
				OrderRef:      w.OrderRef,
				Status:        w.Status,
				Exchange:      w.Exchange,
				Symbol:        w.Symbol,
				FillPrice:     w.FillPrice,
				TriggerPrice:  w.TriggerPrice,
				Timestamp:     w.Timestamp,
				ParentOrderNo: w.ParentOrderNo,
			})
		}
	default:
		f.logger.Debug("unhandled frame type", "type", w.Type)
	}
}

type subscribeFrame struct {
	Operation   string   `json:"operation"`
	Instruments []string `json:"instruments,omitempty"`
	Orders      bool     `json:"orders,omitempty"`
}

func (f *feed) subscribe(instruments []string) error {
	f.subMu.Lock()
	for _, i := range instruments {
		f.instruments[i] = true
	}
	f.subMu.Unlock()
	return f.writeJSON(subscribeFrame{Operation: "subscribe", Instruments: instruments})
}

func (f *feed) subscribeOrders() error {
	f.subMu.Lock()
	f.ordersSubbed = true
	f.subMu.Unlock()
	return f.writeJSON(subscribeFrame{Operation: "subscribe", Orders: true})
}

func (f *feed) unsubscribe(instruments []string) error {
	f.subMu.Lock()
	for _, i := range instruments {
		delete(f.instruments, i)
	}
	f.subMu.Unlock()
	return f.writeJSON(subscribeFrame{Operation: "unsubscribe", Instruments: instruments})
}

func (f *feed) resendSubscriptions() error {
	f.subMu.Lock()
	instruments := make([]string, 0, len(f.instruments))
	for i := range f.instruments {
		instruments = append(instruments, i)
	}
	ordersSubbed := f.ordersSubbed
	f.subMu.Unlock()

	if len(instruments) > 0 {
		if err := f.writeJSON(subscribeFrame{Operation: "subscribe", Instruments: instruments}); err != nil {
			return err
		}
	}
	if ordersSubbed {
		return f.writeJSON(subscribeFrame{Operation: "subscribe", Orders: true})
	}
	return nil
}

func (f *feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *feed) close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
