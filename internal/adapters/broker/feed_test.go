package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/kvrao/intraday-engine/internal/ports"
)

func TestFeed_Dispatch_QuoteFrameCallsOnQuote(t *testing.T) {
	f := newFeed("ws://unused", testLogger())
	var got ports.QuoteEvent
	cb := ports.WebSocketCallbacks{OnQuote: func(q ports.QuoteEvent) { got = q }}

	f.dispatch([]byte(`{"type":"quote","exchange":"NSE","token":"1","ltp":101.5,"time":1234}`), cb)

	assert.Equal(t, "NSE", got.Exchange)
	assert.Equal(t, "1", got.Token)
	assert.Equal(t, 101.5, got.LTP)
}

func TestFeed_Dispatch_OrderUpdateFrameCallsOnOrderUpdate(t *testing.T) {
	f := newFeed("ws://unused", testLogger())
	var got ports.OrderUpdateEvent
	cb := ports.WebSocketCallbacks{OnOrderUpdate: func(u ports.OrderUpdateEvent) { got = u }}

	f.dispatch([]byte(`{"type":"order_update","order_no":"O1","remarks":"SL_LEG:m1:ACME:0","status":"SL-HIT","fill_price":99.5}`), cb)

	assert.Equal(t, "O1", got.OrderNo)
	assert.Equal(t, "SL-HIT", got.Status)
	assert.Equal(t, 99.5, got.FillPrice)
}

func TestFeed_Dispatch_MalformedFrameDoesNotPanic(t *testing.T) {
	f := newFeed("ws://unused", testLogger())
	cb := ports.WebSocketCallbacks{}

	assert.NotPanics(t, func() { f.dispatch([]byte(`not json`), cb) })
}

func TestFeed_Subscribe_WithoutConnectionErrors(t *testing.T) {
	f := newFeed("ws://unused", testLogger())

	err := f.subscribe([]string{"NSE|1"})

	assert.Error(t, err)
}

var upgrader = websocket.Upgrader{}

// wsTestServer starts an httptest server that upgrades to a websocket and,
// on each accepted connection, invokes onConn in its own goroutine, closing
// the connection once onConn returns.
func wsTestServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(conn)
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeed_Run_DispatchesQuoteOverRealConnection(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","exchange":"NSE","token":"1","ltp":100}`))
		time.Sleep(50 * time.Millisecond)
	})
	f := newFeed(url, testLogger())

	var mu sync.Mutex
	var got ports.QuoteEvent
	quoteReceived := make(chan struct{}, 1)
	cb := ports.WebSocketCallbacks{OnQuote: func(q ports.QuoteEvent) {
		mu.Lock()
		got = q
		mu.Unlock()
		select {
		case quoteReceived <- struct{}{}:
		default:
		}
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.run(ctx, cb)

	select {
	case <-quoteReceived:
	case <-time.After(time.Second):
		t.Fatal("quote never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "NSE", got.Exchange)
	assert.Equal(t, 100.0, got.LTP)
}

func TestFeed_Run_ReconnectsAndIncrementsCountOnDisconnect(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		// Close immediately: every connection is a disconnect the feed must
		// recover from with a reconnect.
	})
	f := newFeed(url, testLogger())

	var reconnects int32
	errSeen := make(chan struct{}, 1)
	cb := ports.WebSocketCallbacks{OnError: func(err error) {
		if atomic.AddInt32(&reconnects, 1) >= 2 {
			select {
			case errSeen <- struct{}{}:
			default:
			}
		}
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go f.run(ctx, cb)

	select {
	case <-errSeen:
	case <-time.After(4 * time.Second):
		t.Fatal("feed did not reconnect at least twice")
	}
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&reconnects)), 2)
}
