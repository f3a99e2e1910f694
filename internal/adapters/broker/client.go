package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kvrao/intraday-engine/internal/ports"
)

const (
	ordersRatePerSec  = 10
	generalRatePerSec = 20
	maxRetries        = 1 // spec.md §7: "one re-login + one retry" for a null response
	baseRetryWait     = 500 * time.Millisecond
)

// Client implements ports.BrokerGateway over HTTP + websocket.
//
// Grounded on the teacher's polymarket.Client: same rate-limiter-per-endpoint-
// class + exponential-backoff-retry shape, re-pointed at a bracket-order
// broker API instead of the CLOB.
type Client struct {
	http          *http.Client
	baseURL       string
	wsURL         string
	accountID     string
	password      string
	totpSecret    string
	ordersLimiter *rate.Limiter
	generalLimiter *rate.Limiter
	logger        *slog.Logger

	sessionToken string
	feed         *feed
}

// Config carries everything Client needs to reach one broker account.
type Config struct {
	BaseURL    string
	WSURL      string
	AccountID  string
	Password   string
	TOTPSecret string
}

// NewClient builds a Client. Login must be called before any other method.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		http:           &http.Client{Timeout: 10 * time.Second},
		baseURL:        cfg.BaseURL,
		wsURL:          cfg.WSURL,
		accountID:      cfg.AccountID,
		password:       cfg.Password,
		totpSecret:     cfg.TOTPSecret,
		ordersLimiter:  rate.NewLimiter(ordersRatePerSec, 5),
		generalLimiter: rate.NewLimiter(generalRatePerSec, 10),
		logger:         logger.With("component", "broker_client"),
	}
}

type loginResponse struct {
	SessionToken string `json:"session_token"`
}

// Login authenticates and stores the session token used by every other call.
func (c *Client) Login(ctx context.Context) error {
	var resp loginResponse
	body := map[string]string{
		"account_id":  c.accountID,
		"password":    c.password,
		"totp_secret": c.totpSecret,
	}
	if err := c.post(ctx, c.generalLimiter, "/login", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.SessionToken == "" {
		return fmt.Errorf("login: empty session token")
	}
	c.sessionToken = resp.SessionToken
	return nil
}

type placeOrderResponse struct {
	OrderNo string `json:"order_no"`
}

// PlaceOrder places one order leg. A response with an empty order_no
// returns a nil PlacedOrder with a nil error; nil, err means the request
// still failed after doWithRetry's re-login and single retry.
func (c *Client) PlaceOrder(ctx context.Context, req ports.PlaceOrderRequest) (*ports.PlacedOrder, error) {
	var resp placeOrderResponse
	if err := c.post(ctx, c.ordersLimiter, "/orders", req, &resp); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.OrderNo == "" {
		return nil, nil
	}
	return &ports.PlacedOrder{OrderNo: resp.OrderNo}, nil
}

func (c *Client) ModifyOrder(ctx context.Context, req ports.ModifyOrderRequest) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, c.ordersLimiter, "/orders/modify", req, &ack); err != nil {
		return fmt.Errorf("modify order %s: %w", req.OrderNo, err)
	}
	if !ack.OK {
		return fmt.Errorf("modify order %s: broker returned no ack", req.OrderNo)
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, orderNo string) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	body := map[string]string{"order_no": orderNo}
	if err := c.post(ctx, c.ordersLimiter, "/orders/cancel", body, &ack); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderNo, err)
	}
	if !ack.OK {
		return fmt.Errorf("cancel order %s: broker returned no ack", orderNo)
	}
	return nil
}

func (c *Client) CloseBracketOrder(ctx context.Context, orderNo string) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	body := map[string]string{"order_no": orderNo}
	if err := c.post(ctx, c.ordersLimiter, "/orders/bracket/close", body, &ack); err != nil {
		return fmt.Errorf("close bracket %s: %w", orderNo, err)
	}
	if !ack.OK {
		return fmt.Errorf("close bracket %s: broker returned no ack", orderNo)
	}
	return nil
}

func (c *Client) GetOrderBook(ctx context.Context) ([]ports.OrderBookRow, error) {
	var rows []ports.OrderBookRow
	if err := c.get(ctx, c.generalLimiter, "/orders/book", &rows); err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	return rows, nil
}

func (c *Client) GetOrderHistory(ctx context.Context, orderNo string) ([]ports.OrderBookRow, error) {
	var rows []ports.OrderBookRow
	url := fmt.Sprintf("/orders/%s/history", orderNo)
	if err := c.get(ctx, c.generalLimiter, url, &rows); err != nil {
		return nil, fmt.Errorf("get order history %s: %w", orderNo, err)
	}
	return rows, nil
}

// IsSLUpdateRejected walks order history for the latest modify and reports
// whether the broker rejected it, per spec.md §7's trailing-SL-rejection path.
func (c *Client) IsSLUpdateRejected(ctx context.Context, orderNo string) (bool, string, error) {
	hist, err := c.GetOrderHistory(ctx, orderNo)
	if err != nil {
		return false, "", err
	}
	for i := len(hist) - 1; i >= 0; i-- {
		row := hist[i]
		if row.Status == "REJECTED" {
			return true, row.Remarks, nil
		}
		if row.Status == "TRIGGER_PENDING" || row.Status == "COMPLETE" {
			return false, "", nil
		}
	}
	return false, "", nil
}

func (c *Client) StartWebSocket(ctx context.Context, cb ports.WebSocketCallbacks) error {
	c.feed = newFeed(c.wsURL, c.logger)
	return c.feed.run(ctx, cb)
}

func (c *Client) Subscribe(ctx context.Context, instruments []string) error {
	if c.feed == nil {
		return fmt.Errorf("subscribe: websocket not started")
	}
	return c.feed.subscribe(instruments)
}

func (c *Client) SubscribeOrders(ctx context.Context) error {
	if c.feed == nil {
		return fmt.Errorf("subscribe orders: websocket not started")
	}
	return c.feed.subscribeOrders()
}

func (c *Client) Unsubscribe(ctx context.Context, instruments []string) error {
	if c.feed == nil {
		return fmt.Errorf("unsubscribe: websocket not started")
	}
	return c.feed.unsubscribe(instruments)
}

func (c *Client) get(ctx context.Context, limiter *rate.Limiter, path string, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return c.http.Do(req)
	}, out)
}

func (c *Client) post(ctx context.Context, limiter *rate.Limiter, path string, body, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		return c.http.Do(req)
	}, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}
}

// doWithRetry implements the cross-cutting retry decorator from spec.md §9:
// one re-login + one retry on a transient failure, then give up. It is the
// single place this policy lives — call sites never retry on their own.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.reloginAndSleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("broker error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.reloginAndSleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("broker rejected request %d: %s", resp.StatusCode, string(raw))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

func (c *Client) reloginAndSleep(ctx context.Context, attempt int) {
	if err := c.Login(ctx); err != nil {
		c.logger.Warn("re-login failed during retry", "error", err)
	}
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
