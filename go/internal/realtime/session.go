package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Phase represents the current state of the realtime connection.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Remote methods invokable on the auction server. Both are idempotent
// server-side.
const (
	MethodJoinAuctionGroup  = "JoinAuctionGroup"
	MethodLeaveAuctionGroup = "LeaveAuctionGroup"
)

var (
	// ErrSessionClosed is returned from any operation on a session after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvokeFailed is returned when a queued invocation exhausted its retry
	// budget without a successful send.
	ErrInvokeFailed = errors.New("invoke failed after retries")
)

// Conn is the minimal surface of a websocket connection the session needs.
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a Conn to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials the realtime endpoint with gorilla's default dialer.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// SessionConfig holds configuration for the transport session.
type SessionConfig struct {
	URL               string
	Dialer            Dialer
	Clock             clockwork.Clock
	DialTimeout       time.Duration
	ReconnectDelays   []time.Duration // Indexed by failed-attempt count; the last entry repeats
	MaxInvokeAttempts int             // Send attempts per queued invocation before it fails
}

// DefaultSessionConfig returns the default session configuration for a
// realtime endpoint URL.
func DefaultSessionConfig(url string) SessionConfig {
	return SessionConfig{
		URL:         url,
		Dialer:      WebsocketDialer,
		Clock:       clockwork.NewRealClock(),
		DialTimeout: 10 * time.Second,
		// Attempt 0 retries immediately, then short, medium, capped.
		ReconnectDelays:   []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second},
		MaxInvokeAttempts: 3,
	}
}

// invocation is the wire shape of a remote method call.
type invocation struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Args   []interface{} `json:"args,omitempty"`
}

type queuedInvoke struct {
	inv      invocation
	attempts int
	errc     chan error
}

// Session owns exactly one logical connection to the auction server. It
// reconnects automatically with backoff, re-joins every auction group after
// each reconnect (group membership is tied to the physical connection), and
// fans raw server events out through the dispatcher.
type Session struct {
	cfg        SessionConfig
	dispatcher *Dispatcher
	clock      clockwork.Clock

	mu       sync.Mutex
	phase    Phase
	conn     Conn
	joined   map[string]struct{}
	queue    []*queuedInvoke
	inflight chan struct{} // closed when the current connect attempt series succeeds
	attempt  int
	closed   bool

	writeMu sync.Mutex
	done    chan struct{}
}

// NewSession creates a session. It does not connect; call Connect.
func NewSession(cfg SessionConfig, dispatcher *Dispatcher) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = DefaultSessionConfig(cfg.URL).ReconnectDelays
	}
	if cfg.MaxInvokeAttempts <= 0 {
		cfg.MaxInvokeAttempts = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Session{
		cfg:        cfg,
		dispatcher: dispatcher,
		clock:      cfg.Clock,
		phase:      PhaseDisconnected,
		joined:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Connect establishes the connection. It is idempotent: when already
// connected it returns immediately, and when an attempt is in flight it waits
// for that attempt instead of starting a second one. Dial failures are
// retried with backoff until success, ctx cancellation, or Close.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	switch s.phase {
	case PhaseConnected:
		s.mu.Unlock()
		return nil
	case PhaseConnecting, PhaseReconnecting:
		wait := s.inflight
		s.mu.Unlock()
		return s.await(ctx, wait)
	}
	s.phase = PhaseConnecting
	s.inflight = make(chan struct{})
	wait := s.inflight
	s.mu.Unlock()

	s.emitPhase(PhaseConnecting, 0)
	go s.connectLoop()

	return s.await(ctx, wait)
}

func (s *Session) await(ctx context.Context, connected <-chan struct{}) error {
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// connectLoop dials until success or shutdown. Attempt 0 is immediate;
// subsequent attempts wait per ReconnectDelays, with the final delay repeating
// indefinitely.
func (s *Session) connectLoop() {
	attempt := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		conn, err := s.cfg.Dialer(dialCtx, s.cfg.URL)
		cancel()
		if err == nil {
			s.handleConnected(conn, attempt)
			return
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("url", s.cfg.URL).
			Msg("connect attempt failed")

		attempt++
		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()
		delay := s.reconnectDelay(attempt)
		if delay <= 0 {
			continue
		}
		select {
		case <-s.clock.After(delay):
		case <-s.done:
			return
		}
	}
}

func (s *Session) reconnectDelay(attempt int) time.Duration {
	delays := s.cfg.ReconnectDelays
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt]
}

// handleConnected applies the Connected transition atomically: store the
// connection, re-issue one join per tracked auction group, and flush queued
// invocations. Joined groups and connection phase move together so a rejoin
// can neither fire before the connection is usable nor fire twice.
func (s *Session) handleConnected(conn Conn, attempt int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.phase = PhaseConnected
	s.attempt = 0
	inflight := s.inflight
	s.inflight = nil
	rejoin := make([]string, 0, len(s.joined))
	for id := range s.joined {
		rejoin = append(rejoin, id)
	}
	flush := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, id := range rejoin {
		if err := s.write(conn, invocation{
			ID:     uuid.NewString(),
			Method: MethodJoinAuctionGroup,
			Args:   []interface{}{id},
		}); err != nil {
			// The connection is already dying; the read loop will trigger a
			// reconnect and the next Connected transition rejoins everything.
			log.Warn().Err(err).Str("auction_id", id).Msg("rejoin failed")
			break
		}
	}

	for _, q := range flush {
		if err := s.write(conn, q.inv); err != nil {
			q.attempts++
			if q.attempts >= s.cfg.MaxInvokeAttempts {
				q.errc <- fmt.Errorf("invoke %s: %w", q.inv.Method, ErrInvokeFailed)
				continue
			}
			s.requeue(q)
			continue
		}
		q.errc <- nil
	}

	log.Info().
		Int("attempts", attempt).
		Int("rejoined_groups", len(rejoin)).
		Str("url", s.cfg.URL).
		Msg("session connected")

	if inflight != nil {
		close(inflight)
	}
	s.emitPhase(PhaseConnected, attempt)

	go s.readLoop(conn)
}

func (s *Session) requeue(q *queuedInvoke) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		q.errc <- ErrSessionClosed
		return
	}
	s.queue = append(s.queue, q)
}

// readLoop reads pushed events from the connection and emits them until the
// connection fails, then hands off to the reconnect path.
func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onConnLost(conn, err)
			return
		}

		var event ServerEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Warn().Err(err).Msg("discarding malformed server event")
			continue
		}
		s.dispatcher.Emit(&event)
	}
}

func (s *Session) onConnLost(conn Conn, err error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.phase = PhaseReconnecting
	s.inflight = make(chan struct{})
	s.mu.Unlock()

	conn.Close()
	log.Warn().Err(err).Str("url", s.cfg.URL).Msg("connection lost, reconnecting")
	s.emitPhase(PhaseReconnecting, 0)

	go s.connectLoop()
}

// Invoke sends a remote method invocation. While disconnected the invocation
// is queued and flushed after the next successful connect; after
// MaxInvokeAttempts failed sends it returns ErrInvokeFailed.
func (s *Session) Invoke(ctx context.Context, method string, args ...interface{}) error {
	inv := invocation{ID: uuid.NewString(), Method: method, Args: args}
	attempts := 0

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.phase == PhaseConnected {
		conn := s.conn
		s.mu.Unlock()
		if err := s.write(conn, inv); err == nil {
			return nil
		}
		attempts = 1
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
	}
	q := &queuedInvoke{inv: inv, attempts: attempts, errc: make(chan error, 1)}
	s.queue = append(s.queue, q)
	s.mu.Unlock()

	select {
	case err := <-q.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// JoinAuction adds the auction to the tracked group set and joins it on the
// server. While disconnected the join is not queued: the tracked set is
// replayed in full on the next Connected transition, which keeps rejoins
// exactly-once per group.
func (s *Session) JoinAuction(ctx context.Context, auctionID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.joined[auctionID] = struct{}{}
	connected := s.phase == PhaseConnected
	conn := s.conn
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.write(conn, invocation{
		ID:     uuid.NewString(),
		Method: MethodJoinAuctionGroup,
		Args:   []interface{}{auctionID},
	}); err != nil {
		// Tracked set replays on reconnect.
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("join send failed")
	}
	return nil
}

// LeaveAuction removes the auction from the tracked group set and leaves it
// on the server when connected.
func (s *Session) LeaveAuction(ctx context.Context, auctionID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	delete(s.joined, auctionID)
	connected := s.phase == PhaseConnected
	conn := s.conn
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.write(conn, invocation{
		ID:     uuid.NewString(),
		Method: MethodLeaveAuctionGroup,
		Args:   []interface{}{auctionID},
	}); err != nil {
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("leave send failed")
	}
	return nil
}

// Phase returns the current connection phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ReconnectAttempt returns the current failed-attempt counter, 0 after a
// successful connect. Diagnostics only.
func (s *Session) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// JoinedAuctions returns a snapshot of the tracked auction group ids.
func (s *Session) JoinedAuctions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts the session down. Queued invocations fail with ErrSessionClosed
// and no reconnect is attempted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.phase = PhaseDisconnected
	flush := s.queue
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	for _, q := range flush {
		q.errc <- ErrSessionClosed
	}
	s.emitPhase(PhaseDisconnected, 0)
	return nil
}

func (s *Session) write(conn Conn, inv invocation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// emitPhase publishes an advisory lifecycle event. Consumers must not rely on
// it for correctness; correctness lives in per-auction sequence numbers.
func (s *Session) emitPhase(phase Phase, attempt int) {
	data, err := json.Marshal(ConnectionStatePayload{Phase: phase.String(), Attempt: attempt})
	if err != nil {
		return
	}
	s.dispatcher.Emit(&ServerEvent{
		ID:        uuid.NewString(),
		Type:      EventTypeConnectionState,
		Timestamp: s.clock.Now(),
		Data:      data,
	})
}
