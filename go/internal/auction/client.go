package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/velora-market/velora/go/internal/realtime"
)

// ClientConfig holds configuration for the consumer-facing client.
type ClientConfig struct {
	Bid          BidConfig
	TickInterval time.Duration
	Clock        clockwork.Clock
}

// DefaultClientConfig returns the default client configuration for a bidder.
func DefaultClientConfig(bidderID string) ClientConfig {
	return ClientConfig{
		Bid:          DefaultBidConfig(bidderID),
		TickInterval: time.Second,
		Clock:        clockwork.NewRealClock(),
	}
}

// Client is the consumer-facing surface of the realtime bid core. It is
// constructed by the application's composition root with an injected session
// and dispatcher, and wires server pushes through the view store, the bid
// flow, and the countdown clock.
type Client struct {
	session   *realtime.Session
	api       API
	store     *ViewStore
	flow      *BidFlow
	countdown *Countdown

	mu       sync.Mutex
	refresh  map[string]chan struct{}
	watchers map[string][]*watcher
	unsubs   []func()
}

type watcher struct {
	ch chan AuctionView
}

// NewClient wires a client over the injected session and dispatcher.
func NewClient(session *realtime.Session, dispatcher *realtime.Dispatcher, api API, cfg ClientConfig) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	store := NewViewStore()
	c := &Client{
		session:   session,
		api:       api,
		store:     store,
		flow:      NewBidFlow(store, api, cfg.Clock, cfg.Bid),
		countdown: NewCountdown(store, cfg.Clock, cfg.TickInterval),
		refresh:   make(map[string]chan struct{}),
		watchers:  make(map[string][]*watcher),
	}

	c.flow.onReconcile = c.applySnapshot

	for _, eventType := range []realtime.EventType{
		realtime.EventTypePriceUpdated,
		realtime.EventTypeAuctionEnded,
		realtime.EventTypeTimeExtended,
		realtime.EventTypeViewerCountUpdated,
	} {
		c.unsubs = append(c.unsubs, dispatcher.On(eventType, c.handleServerEvent))
	}
	return c
}

// handleServerEvent is the single entry point for pushed auction events:
// merge into the store, reconcile any pending bid, poke the countdown on an
// end-time revision, and fan the new snapshot out to watchers.
func (c *Client) handleServerEvent(event *realtime.ServerEvent) {
	prev, had := c.store.Get(event.AuctionID)
	view, applied := c.store.Apply(event)
	if !applied {
		return
	}

	if event.Type == realtime.EventTypePriceUpdated {
		c.flow.ObservePrice(event.AuctionID, view.CurrentPrice)
	}
	if had && !view.EndAt.Equal(prev.EndAt) {
		c.signalRefresh(event.AuctionID)
	}
	c.notifyWatchers(view)
}

// applySnapshot merges an authoritative snapshot fetched outside the push
// stream and fans the result out the same way a pushed event would: poke the
// countdown on an end-time revision and notify watchers. Snapshots for an
// auction no longer subscribed are dropped so a late read cannot resurrect a
// released view.
func (c *Client) applySnapshot(snapshot AuctionView) {
	c.mu.Lock()
	_, subscribed := c.refresh[snapshot.AuctionID]
	c.mu.Unlock()
	if !subscribed {
		return
	}

	prev, had := c.store.Get(snapshot.AuctionID)
	c.store.Put(snapshot)
	view, ok := c.store.Get(snapshot.AuctionID)
	if !ok {
		return
	}
	if had && !view.EndAt.Equal(prev.EndAt) {
		c.signalRefresh(snapshot.AuctionID)
	}
	c.notifyWatchers(view)
}

// Subscribe starts watching an auction: loads the authoritative snapshot over
// HTTP, stores it, and joins the auction's push group. Subscribing to an
// auction already watched returns the current snapshot.
func (c *Client) Subscribe(ctx context.Context, auctionID string) (AuctionView, error) {
	c.mu.Lock()
	_, subscribed := c.refresh[auctionID]
	c.mu.Unlock()
	if subscribed {
		view, _ := c.store.Get(auctionID)
		return view, nil
	}

	snapshot, err := c.api.GetAuction(ctx, auctionID)
	if err != nil {
		return AuctionView{}, fmt.Errorf("load auction snapshot: %w", err)
	}
	c.store.Put(snapshot)

	if err := c.session.JoinAuction(ctx, auctionID); err != nil {
		c.store.Remove(auctionID)
		return AuctionView{}, fmt.Errorf("join auction group: %w", err)
	}

	c.mu.Lock()
	c.refresh[auctionID] = make(chan struct{}, 1)
	c.mu.Unlock()

	log.Debug().
		Str("auction_id", auctionID).
		Uint64("sequence", snapshot.Sequence).
		Msg("subscribed to auction")

	view, _ := c.store.Get(auctionID)
	return view, nil
}

// Unsubscribe stops watching an auction: leaves the push group, abandons any
// in-flight bid, and releases the view. Further events for the auction are
// ignored.
func (c *Client) Unsubscribe(ctx context.Context, auctionID string) error {
	c.mu.Lock()
	refresh, subscribed := c.refresh[auctionID]
	delete(c.refresh, auctionID)
	watchers := c.watchers[auctionID]
	delete(c.watchers, auctionID)
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	if err := c.session.LeaveAuction(ctx, auctionID); err != nil {
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("leave auction group failed")
	}
	c.flow.Abandon(auctionID)
	c.store.Remove(auctionID)
	close(refresh)
	for _, w := range watchers {
		close(w.ch)
	}
	return nil
}

// Snapshot returns the current view of a subscribed auction.
func (c *Client) Snapshot(auctionID string) (AuctionView, error) {
	view, ok := c.store.Get(auctionID)
	if !ok {
		return AuctionView{}, ErrNotSubscribed
	}
	return view, nil
}

// SubmitBid validates and submits a bid for a subscribed auction.
func (c *Client) SubmitBid(ctx context.Context, auctionID string, amount int64) (PendingBid, error) {
	return c.flow.Submit(ctx, auctionID, amount)
}

// PendingBid returns the latest bid for an auction, if any.
func (c *Client) PendingBid(auctionID string) (PendingBid, bool) {
	return c.flow.Pending(auctionID)
}

// Remaining returns the time left for a subscribed auction.
func (c *Client) Remaining(auctionID string) (time.Duration, error) {
	return c.countdown.Remaining(auctionID)
}

// RunCountdown drives the ticking countdown for a subscribed auction until
// ctx is done, recomputing immediately on every end-time revision.
func (c *Client) RunCountdown(ctx context.Context, auctionID string, fn func(Tick)) error {
	c.mu.Lock()
	refresh, subscribed := c.refresh[auctionID]
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	return c.countdown.Run(ctx, auctionID, refresh, fn)
}

// Watch returns a feed of view snapshots for UI code, plus a stop func. The
// feed closes on Unsubscribe.
func (c *Client) Watch(auctionID string) (<-chan AuctionView, func()) {
	w := &watcher{ch: make(chan AuctionView, 16)}

	c.mu.Lock()
	c.watchers[auctionID] = append(c.watchers[auctionID], w)
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ws := c.watchers[auctionID]
		for i, other := range ws {
			if other == w {
				c.watchers[auctionID] = append(ws[:i:i], ws[i+1:]...)
				close(w.ch)
				break
			}
		}
	}
	return w.ch, stop
}

func (c *Client) notifyWatchers(view AuctionView) {
	c.mu.Lock()
	watchers := make([]*watcher, len(c.watchers[view.AuctionID]))
	copy(watchers, c.watchers[view.AuctionID])
	c.mu.Unlock()

	for _, w := range watchers {
		select {
		case w.ch <- view:
		default:
			// Slow consumer; it reads the next snapshot instead.
		}
	}
}

func (c *Client) signalRefresh(auctionID string) {
	// Send under the lock: Unsubscribe removes the entry before closing the
	// channel, so holding c.mu here rules out a send on a closed channel.
	c.mu.Lock()
	defer c.mu.Unlock()
	refresh, ok := c.refresh[auctionID]
	if !ok {
		return
	}
	select {
	case refresh <- struct{}{}:
	default:
	}
}

// Close detaches the client from the dispatcher. The injected session is
// owned by the composition root and is not closed here.
func (c *Client) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
}
