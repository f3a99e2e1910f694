package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrao/intraday-engine/internal/ports"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func placeReqFixture() ports.PlaceOrderRequest {
	return ports.PlaceOrderRequest{
		Side: "B", Product: ports.ProductBracket, Exchange: "NSE", Symbol: "ACME-EQ",
		Quantity: 10, PriceType: ports.PriceMarket, Remarks: "ENTRY_LEG:m1:ACME:0",
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, AccountID: "ACCT", Password: "pw", TOTPSecret: "totp"}, testLogger())
}

func TestClient_Login_StoresSessionToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_token": "tok-123"})
	}))

	err := c.Login(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "tok-123", c.sessionToken)
}

func TestClient_Login_EmptyTokenIsAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_token": ""})
	}))

	err := c.Login(context.Background())

	assert.Error(t, err)
}

func TestClient_PlaceOrder_EmptyOrderNoIsNilNilNotAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"order_no": ""})
	}))

	placed, err := c.PlaceOrder(context.Background(), placeReqFixture())

	require.NoError(t, err)
	assert.Nil(t, placed)
}

func TestClient_DoWithRetry_RetriesOnceThenSucceeds(t *testing.T) {
	var orderCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_token": "tok"})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&orderCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"order_no": "O1"})
	})
	c := newTestClient(t, mux)

	placed, err := c.PlaceOrder(context.Background(), placeReqFixture())

	require.NoError(t, err)
	require.NotNil(t, placed)
	assert.Equal(t, "O1", placed.OrderNo)
	assert.Equal(t, int32(2), atomic.LoadInt32(&orderCalls), "one failed attempt, one retry, both against /orders")
}

func TestClient_DoWithRetry_GivesUpAfterExhaustingRetries(t *testing.T) {
	var orderCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_token": "tok"})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&orderCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.PlaceOrder(context.Background(), placeReqFixture())

	assert.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&orderCalls))
}

func TestClient_DoWithRetry_4xxFailsWithoutRetrying(t *testing.T) {
	var orderCalls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&orderCalls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad remarks tag"}`))
	}))

	_, err := c.PlaceOrder(context.Background(), placeReqFixture())

	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&orderCalls))
}

func TestClient_IsSLUpdateRejected_FindsLatestRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"status": "TRIGGER_PENDING"},
			{"status": "REJECTED", "remarks": "price band exceeded"},
		})
	}))

	rejected, reason, err := c.IsSLUpdateRejected(context.Background(), "SL1")

	require.NoError(t, err)
	assert.True(t, rejected)
	assert.Equal(t, "price band exceeded", reason)
}

func TestClient_IsSLUpdateRejected_StopsAtFirstTerminalNonRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"status": "REJECTED", "remarks": "stale"},
			{"status": "TRIGGER_PENDING"},
		})
	}))

	rejected, _, err := c.IsSLUpdateRejected(context.Background(), "SL1")

	require.NoError(t, err)
	assert.False(t, rejected, "the most recent status (last in history) is TRIGGER_PENDING, not a rejection")
}
