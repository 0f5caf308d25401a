package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	writes   []invocation
	writeErr error
}

func newFakeConn(writeErr error) *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 16),
		closed:   make(chan struct{}),
		writeErr: writeErr,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	var inv invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return err
	}
	c.writes = append(c.writes, inv)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// invocations returns the recorded calls for a method, flattened to their
// first argument.
func (c *fakeConn) invocations(method string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, inv := range c.writes {
		if inv.Method != method {
			continue
		}
		if len(inv.Args) > 0 {
			arg, _ := inv.Args[0].(string)
			out = append(out, arg)
		} else {
			out = append(out, "")
		}
	}
	return out
}

type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	dials     int
	failFirst int
	writeErr  error
	gate      chan struct{} // when set, dial blocks until the gate closes
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.writeErr)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testSession(t *testing.T, d *fakeDialer) (*Session, *Dispatcher) {
	t.Helper()
	dispatcher := NewDispatcher()
	s := NewSession(SessionConfig{
		URL:               "ws://auctions.test/hub",
		Dialer:            d.dial,
		DialTimeout:       time.Second,
		ReconnectDelays:   []time.Duration{0, time.Millisecond, time.Millisecond},
		MaxInvokeAttempts: 2,
	}, dispatcher)
	t.Cleanup(func() { s.Close() })
	return s, dispatcher
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	s, _ := testSession(t, d)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, PhaseConnected, s.Phase())
	assert.Equal(t, 1, d.dialCount())
}

func TestConnectAwaitsInflightAttempt(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{gate: gate}
	s, _ := testSession(t, d)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- s.Connect(context.Background()) }()
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, d.dialCount(), "the in-flight attempt must be shared, not duplicated")
}

func TestConnectRetriesWithBackoffUntilSuccess(t *testing.T) {
	d := &fakeDialer{failFirst: 2}
	s, _ := testSession(t, d)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, PhaseConnected, s.Phase())
}

func TestServerEventsAreDispatched(t *testing.T) {
	d := &fakeDialer{}
	s, dispatcher := testSession(t, d)

	received := make(chan *ServerEvent, 1)
	dispatcher.On(EventTypePriceUpdated, func(e *ServerEvent) { received <- e })

	require.NoError(t, s.Connect(context.Background()))

	data, err := json.Marshal(ServerEvent{
		ID:        "e1",
		AuctionID: "a1",
		Type:      EventTypePriceUpdated,
		Sequence:  7,
	})
	require.NoError(t, err)
	d.conn(0).in <- data

	select {
	case e := <-received:
		assert.Equal(t, "a1", e.AuctionID)
		assert.Equal(t, uint64(7), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event was not dispatched")
	}
}

func TestReconnectRejoinsEachGroupExactlyOnce(t *testing.T) {
	d := &fakeDialer{}
	s, _ := testSession(t, d)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinAuction(ctx, "a1"))
	require.NoError(t, s.JoinAuction(ctx, "a2"))

	// Drop the connection mid-session.
	d.conn(0).Close()

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && s.Phase() == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	joins := d.conn(1).invocations(MethodJoinAuctionGroup)
	assert.ElementsMatch(t, []string{"a1", "a2"}, joins, "each group rejoined exactly once")
}

func TestJoinWhileDisconnectedIsReplayedOnConnect(t *testing.T) {
	d := &fakeDialer{}
	s, _ := testSession(t, d)
	ctx := context.Background()

	require.NoError(t, s.JoinAuction(ctx, "a1"))
	require.NoError(t, s.Connect(ctx))

	assert.Equal(t, []string{"a1"}, d.conn(0).invocations(MethodJoinAuctionGroup))
}

func TestLeftAuctionIsNotRejoined(t *testing.T) {
	d := &fakeDialer{}
	s, _ := testSession(t, d)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinAuction(ctx, "a1"))
	require.NoError(t, s.JoinAuction(ctx, "a2"))
	require.NoError(t, s.LeaveAuction(ctx, "a2"))

	d.conn(0).Close()
	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && s.Phase() == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a1"}, d.conn(1).invocations(MethodJoinAuctionGroup))
	assert.Equal(t, []string{"a1"}, s.JoinedAuctions())
}

func TestQueuedInvokeIsFlushedAfterConnect(t *testing.T) {
	d := &fakeDialer{}
	s, _ := testSession(t, d)

	result := make(chan error, 1)
	go func() { result <- s.Invoke(context.Background(), "PingAuction", "a1") }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Connect(context.Background()))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued invoke never resolved")
	}
	assert.Equal(t, []string{"a1"}, d.conn(0).invocations("PingAuction"))
}

func TestInvokeFailsAfterBoundedRetries(t *testing.T) {
	d := &fakeDialer{writeErr: errors.New("broken pipe")}
	s, _ := testSession(t, d)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))

	result := make(chan error, 1)
	go func() { result <- s.Invoke(ctx, "PingAuction", "a1") }()
	time.Sleep(20 * time.Millisecond)

	// Drop the connection so the queued invoke is retried on the next
	// Connected transition, where it exhausts its budget.
	d.conn(0).Close()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrInvokeFailed)
	case <-time.After(time.Second):
		t.Fatal("invoke never surfaced a fatal error")
	}
}

func TestLifecyclePhasesAreEmitted(t *testing.T) {
	d := &fakeDialer{}
	s, dispatcher := testSession(t, d)

	var mu sync.Mutex
	var phases []string
	dispatcher.On(EventTypeConnectionState, func(e *ServerEvent) {
		payload, err := ParseEventPayload(e)
		require.NoError(t, err)
		mu.Lock()
		phases = append(phases, payload.(ConnectionStatePayload).Phase)
		mu.Unlock()
	})

	require.NoError(t, s.Connect(context.Background()))
	d.conn(0).Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) >= 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connecting", "connected", "reconnecting", "connected"}, phases[:4])
}

func TestCloseFailsQueuedInvokes(t *testing.T) {
	d := &fakeDialer{}
	s, _ := testSession(t, d)

	result := make(chan error, 1)
	go func() { result <- s.Invoke(context.Background(), "PingAuction", "a1") }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Close())

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("queued invoke never resolved after close")
	}

	require.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, s.Invoke(context.Background(), "PingAuction"), ErrSessionClosed)
}
