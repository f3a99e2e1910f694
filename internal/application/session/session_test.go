package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

type fakeBroker struct {
	mu          sync.Mutex
	loggedIn    bool
	orderBook   []ports.OrderBookRow
	wsCtxDone   chan struct{}
	wsStarted   chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{wsCtxDone: make(chan struct{}), wsStarted: make(chan struct{}, 1)}
}

func (f *fakeBroker) Login(ctx context.Context) error {
	f.mu.Lock()
	f.loggedIn = true
	f.mu.Unlock()
	return nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req ports.PlaceOrderRequest) (*ports.PlacedOrder, error) {
	return &ports.PlacedOrder{OrderNo: "O1"}, nil
}
func (f *fakeBroker) ModifyOrder(ctx context.Context, req ports.ModifyOrderRequest) error { return nil }
func (f *fakeBroker) CancelOrder(ctx context.Context, orderNo string) error               { return nil }
func (f *fakeBroker) CloseBracketOrder(ctx context.Context, orderNo string) error         { return nil }
func (f *fakeBroker) GetOrderBook(ctx context.Context) ([]ports.OrderBookRow, error) {
	return f.orderBook, nil
}
func (f *fakeBroker) GetOrderHistory(ctx context.Context, orderNo string) ([]ports.OrderBookRow, error) {
	return nil, nil
}
func (f *fakeBroker) IsSLUpdateRejected(ctx context.Context, orderNo string) (bool, string, error) {
	return false, "", nil
}
func (f *fakeBroker) StartWebSocket(ctx context.Context, cb ports.WebSocketCallbacks) error {
	select {
	case f.wsStarted <- struct{}{}:
	default:
	}
	<-ctx.Done()
	close(f.wsCtxDone)
	return ctx.Err()
}
func (f *fakeBroker) Subscribe(ctx context.Context, instruments []string) error      { return nil }
func (f *fakeBroker) SubscribeOrders(ctx context.Context) error                      { return nil }
func (f *fakeBroker) Unsubscribe(ctx context.Context, instruments []string) error    { return nil }

var _ ports.BrokerGateway = (*fakeBroker)(nil)

type fakeStore struct{}

func (fakeStore) LogEntry(ctx context.Context, entryType string, keys []string, data map[string]any, date, account string) error {
	return nil
}
func (fakeStore) ReplaceParamsHist(ctx context.Context, account, date string, rows []ports.ParamsHistRow) error {
	return nil
}
func (fakeStore) ReplaceTradeLog(ctx context.Context, account, date string, rows []ports.TradeLogRow) error {
	return nil
}
func (fakeStore) ReplaceTradesMTM(ctx context.Context, account, date string, rows []ports.TradesMTMRow) error {
	return nil
}
func (fakeStore) GetParamsHist(ctx context.Context, account, date string) ([]ports.ParamsHistRow, error) {
	return nil, nil
}
func (fakeStore) GetTradeLog(ctx context.Context, account, date string) ([]ports.TradeLogRow, error) {
	return nil, nil
}
func (fakeStore) Close() error { return nil }

var _ ports.PersistenceStore = (*fakeStore)(nil)

type fakeAlerter struct {
	mu   sync.Mutex
	sent int
}

func (a *fakeAlerter) Send(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeEntries(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Entries.csv")
	content := "scrip,symbol,exchange,token,model,signal,quantity,tick,sl_pct,trail_sl_pct,target\n"
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSchedule_NewScheduleParsesHHMM(t *testing.T) {
	sched, err := NewSchedule(time.UTC, "09:30", "15:15")
	require.NoError(t, err)
	assert.Equal(t, 9, sched.AlertTime.Hour())
	assert.Equal(t, 30, sched.AlertTime.Minute())
	assert.Equal(t, 15, sched.FlattenTime.Hour())
	assert.Equal(t, 15, sched.FlattenTime.Minute())
}

func TestSchedule_NewScheduleRejectsBadTime(t *testing.T) {
	_, err := NewSchedule(time.UTC, "9:30am", "15:15")
	assert.Error(t, err)
}

// TestRunner_Run_NoActiveEntriesSkipsStreamingAndFlatten exercises the
// "loaded but nothing to trade" early-return path: session.Run must not
// start the websocket feed or wait for any cutoff.
func TestRunner_Run_NoActiveEntriesSkipsStreamingAndFlatten(t *testing.T) {
	path := writeEntries(t, "ACME,ACME-EQ,NSE,1,m1,1,10,0.05,1,0.5,110")
	broker := newFakeBroker()
	broker.orderBook = []ports.OrderBookRow{
		{OrderNo: "E1", Remarks: "ENTRY_LEG:m1:ACME:0", Status: "COMPLETE", Price: 100},
		{OrderNo: "SL1", Remarks: "SL_LEG:m1:ACME:0", Status: "SL-HIT", TriggerPrice: 99},
	} // incomplete bracket -> Active=N, nothing to trade
	alerter := &fakeAlerter{}

	now := time.Now().UTC()
	schedule, err := NewSchedule(time.UTC, now.Add(time.Hour).Format("15:04"), now.Add(2*time.Hour).Format("15:04"))
	require.NoError(t, err)

	runner := New(broker, fakeStore{}, alerter, "ACCT", "2026-07-30", path, schedule, testLogger())

	e, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e)

	select {
	case <-broker.wsStarted:
		t.Fatal("websocket feed should not have started with no active entries")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRunner_Run_FlattensOnCtxCancellation exercises the graceful-shutdown
// path: ctx cancellation must trigger the same flatten-and-return behavior
// as reaching the flatten cutoff, even though the cutoff itself is far away.
func TestRunner_Run_FlattensOnCtxCancellation(t *testing.T) {
	path := writeEntries(t, "ACME,ACME-EQ,NSE,1,m1,1,10,0.05,1,0.5,110")
	broker := newFakeBroker()
	alerter := &fakeAlerter{}

	now := time.Now().UTC()
	schedule, err := NewSchedule(time.UTC, now.Add(time.Hour).Format("15:04"), now.Add(2*time.Hour).Format("15:04"))
	require.NoError(t, err)

	runner := New(broker, fakeStore{}, alerter, "ACCT", "2026-07-30", path, schedule, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	var frozen bool
	go func() {
		e, err := runner.Run(ctx)
		frozen = e != nil && !e.Table().Put(&domain.Position{Index: 99})
		runDone <- err
	}()

	select {
	case <-broker.wsStarted:
	case <-time.After(time.Second):
		t.Fatal("websocket feed never started")
	}

	cancel()

	select {
	case err := <-runDone:
		assert.NoError(t, err)
		assert.True(t, frozen, "flatten freezes the table, so a later Put must be refused")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

// TestRunner_Run_AlertsOnceThenFlattensAtCutoff sets both wall-clock cutoffs
// a minute in the past (already due), so the first poll tick fires the
// one-shot alert and immediately satisfies the flatten cutoff. Schedule is
// minute-granularity, so this is the only sub-minute-deterministic way to
// exercise both triggers without a real multi-minute wait.
func TestRunner_Run_AlertsOnceThenFlattensAtCutoff(t *testing.T) {
	path := writeEntries(t, "ACME,ACME-EQ,NSE,1,m1,1,10,0.05,1,0.5,110")
	broker := newFakeBroker()
	alerter := &fakeAlerter{}

	past := time.Now().UTC().Add(-time.Minute)
	schedule, err := NewSchedule(time.UTC, past.Format("15:04"), past.Format("15:04"))
	require.NoError(t, err)

	runner := New(broker, fakeStore{}, alerter, "ACCT", "2026-07-30", path, schedule, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := runner.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	assert.Equal(t, 1, alerter.sent)
}
