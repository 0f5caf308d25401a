package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velora-market/velora/go/internal/realtime"
)

// stubConn is a connection that never delivers reads; pushes are injected
// straight into the dispatcher instead.
type stubConn struct {
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
	writes []string // method:firstArg
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *stubConn) WriteMessage(messageType int, data []byte) error {
	var inv struct {
		Method string        `json:"method"`
		Args   []interface{} `json:"args"`
	}
	if err := json.Unmarshal(data, &inv); err != nil {
		return err
	}
	arg := ""
	if len(inv.Args) > 0 {
		arg, _ = inv.Args[0].(string)
	}
	c.mu.Lock()
	c.writes = append(c.writes, inv.Method+":"+arg)
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func testClient(t *testing.T, api *fakeAPI) (*Client, *realtime.Dispatcher, *stubConn, *clockwork.FakeClock) {
	t.Helper()
	conn := &stubConn{closed: make(chan struct{})}
	dispatcher := realtime.NewDispatcher()
	session := realtime.NewSession(realtime.SessionConfig{
		URL:    "ws://auctions.test/hub",
		Dialer: func(ctx context.Context, url string) (realtime.Conn, error) { return conn, nil },
	}, dispatcher)
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { session.Close() })

	clock := clockwork.NewFakeClockAt(baseTime)
	cfg := DefaultClientConfig("me")
	cfg.Clock = clock
	client := NewClient(session, dispatcher, api, cfg)
	t.Cleanup(client.Close)
	return client, dispatcher, conn, clock
}

func TestSubscribeLoadsSnapshotAndJoinsGroup(t *testing.T) {
	api := &fakeAPI{snapshot: activeView()}
	client, _, conn, _ := testClient(t, api)

	view, err := client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), view.CurrentPrice)
	assert.Contains(t, conn.sent(), "JoinAuctionGroup:a1")

	// Subscribing again returns the held view without another read.
	_, err = client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.snapshotCalls())
}

func TestPushedEventsReachSnapshotsAndWatchers(t *testing.T) {
	api := &fakeAPI{snapshot: activeView()}
	client, dispatcher, _, _ := testClient(t, api)

	_, err := client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)

	updates, stop := client.Watch("a1")
	defer stop()

	dispatcher.Emit(priceEvent(t, "a1", 5, 110000, "u2", nil))

	select {
	case v := <-updates:
		assert.Equal(t, int64(110000), v.CurrentPrice)
		assert.Equal(t, "u2", v.WinnerID)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive the update")
	}

	view, err := client.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(110000), view.CurrentPrice)
}

func TestSubmittedBidIsConfirmedByPush(t *testing.T) {
	api := &fakeAPI{snapshot: activeView()}
	client, dispatcher, _, _ := testClient(t, api)

	_, err := client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)

	bid, err := client.SubmitBid(context.Background(), "a1", 105000)
	require.NoError(t, err)
	require.Equal(t, BidAwaitingConfirmation, bid.State)

	dispatcher.Emit(priceEvent(t, "a1", 5, 105000, "me", nil))

	bid, ok := client.PendingBid("a1")
	require.True(t, ok)
	assert.Equal(t, BidConfirmed, bid.State)
}

func TestUnsubscribeReleasesEverything(t *testing.T) {
	api := &fakeAPI{snapshot: activeView()}
	client, dispatcher, conn, _ := testClient(t, api)

	_, err := client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)
	updates, stop := client.Watch("a1")
	defer stop()

	_, err = client.SubmitBid(context.Background(), "a1", 105000)
	require.NoError(t, err)

	require.NoError(t, client.Unsubscribe(context.Background(), "a1"))
	assert.Contains(t, conn.sent(), "LeaveAuctionGroup:a1")

	// The in-flight bid is abandoned, not retried.
	_, ok := client.PendingBid("a1")
	assert.False(t, ok)

	// Further events for the auction are ignored.
	dispatcher.Emit(priceEvent(t, "a1", 6, 130000, "u3", nil))
	_, err = client.Snapshot("a1")
	require.ErrorIs(t, err, ErrNotSubscribed)

	// The watch feed closes.
	select {
	case _, open := <-updates:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch feed was not closed")
	}

	require.ErrorIs(t, client.Unsubscribe(context.Background(), "a1"), ErrNotSubscribed)
}

func TestTimeoutReconciliationReachesWatchersAndCountdown(t *testing.T) {
	view := activeView()
	view.EndAt = baseTime.Add(90 * time.Second)
	api := &fakeAPI{snapshot: view}
	client, _, _, clock := testClient(t, api)

	_, err := client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)
	updates, stop := client.Watch("a1")
	defer stop()

	_, err = client.SubmitBid(context.Background(), "a1", 105000)
	require.NoError(t, err)

	// The confirmation push never arrives; the server moved on and extended
	// the auction.
	reconciled := view
	reconciled.CurrentPrice = 120000
	reconciled.WinnerID = "someone-else"
	reconciled.EndAt = baseTime.Add(4 * time.Minute)
	reconciled.Sequence = 9
	api.setSnapshot(reconciled)

	clock.Advance(12 * time.Second)

	// The reconciled snapshot reaches watchers like any pushed update.
	select {
	case v := <-updates:
		assert.Equal(t, int64(120000), v.CurrentPrice)
		assert.Equal(t, "someone-else", v.WinnerID)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive the reconciled view")
	}

	// The end-time revision queued an immediate countdown recompute.
	client.mu.Lock()
	refresh := client.refresh["a1"]
	client.mu.Unlock()
	select {
	case <-refresh:
	default:
		t.Fatal("countdown refresh was not signaled")
	}

	remaining, err := client.Remaining("a1")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute-12*time.Second, remaining)
}

func TestRemainingAndCountdownRefreshOnExtension(t *testing.T) {
	view := activeView()
	view.EndAt = baseTime.Add(90 * time.Second)
	api := &fakeAPI{snapshot: view}
	client, dispatcher, _, _ := testClient(t, api)

	_, err := client.Subscribe(context.Background(), "a1")
	require.NoError(t, err)

	remaining, err := client.Remaining("a1")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, remaining)

	extended := baseTime.Add(4 * time.Minute)
	dispatcher.Emit(event(t, realtime.EventTypeTimeExtended, "a1", 5, realtime.TimeExtendedPayload{NewEndAt: extended}))

	remaining, err = client.Remaining("a1")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, remaining)
}
