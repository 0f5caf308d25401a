package auction

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/velora-market/velora/go/internal/realtime"
)

// ViewStore is the single source of truth for per-auction views. Server
// events enter through Apply; everything else reads snapshots. Views are
// created on subscribe and removed on unsubscribe, never persisted: a fresh
// join always starts from a server snapshot.
type ViewStore struct {
	mu    sync.RWMutex
	views map[string]*AuctionView
}

// NewViewStore creates an empty store.
func NewViewStore() *ViewStore {
	return &ViewStore{
		views: make(map[string]*AuctionView),
	}
}

// Put replaces an auction's view with a server-provided snapshot. A snapshot
// older than the view already held (lower sequence) is ignored: events that
// arrived while the snapshot request was in flight must not be rolled back.
func (s *ViewStore) Put(view AuctionView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.views[view.AuctionID]; ok && cur.Sequence > view.Sequence {
		log.Debug().
			Str("auction_id", view.AuctionID).
			Uint64("snapshot_sequence", view.Sequence).
			Uint64("current_sequence", cur.Sequence).
			Msg("ignoring stale auction snapshot")
		return
	}
	v := view
	s.views[view.AuctionID] = &v
}

// Get returns a snapshot copy of an auction's view.
func (s *ViewStore) Get(auctionID string) (AuctionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[auctionID]
	if !ok {
		return AuctionView{}, false
	}
	return *v, true
}

// Remove drops an auction's view.
func (s *ViewStore) Remove(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, auctionID)
}

// Watched returns the ids of all auctions currently held.
func (s *ViewStore) Watched() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	return ids
}

// Apply merges one inbound server event into the matching view and returns
// the resulting snapshot plus whether the event was accepted. Events for
// auctions the store does not hold are ignored: the stream may reference
// auctions this client never joined.
//
// Ordering is enforced by the per-auction sequence number, not by arrival
// order: a lower-or-equal sequence is a duplicate or stale push and is
// dropped, so delivery order does not matter. Events for a terminal auction
// are dropped regardless of sequence.
func (s *ViewStore) Apply(event *realtime.ServerEvent) (AuctionView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.views[event.AuctionID]
	if !ok {
		log.Debug().
			Str("auction_id", event.AuctionID).
			Str("event_type", string(event.Type)).
			Msg("ignoring event for unwatched auction")
		return AuctionView{}, false
	}

	payload, err := realtime.ParseEventPayload(event)
	if err != nil {
		log.Warn().
			Err(err).
			Str("auction_id", event.AuctionID).
			Str("event_type", string(event.Type)).
			Msg("discarding malformed event payload")
		return *view, false
	}

	switch p := payload.(type) {
	case realtime.ViewerCountUpdatedPayload:
		// Advisory, last-write-wins, no sequence requirement.
		view.ViewerCount = p.Count
		return *view, true

	case realtime.PriceUpdatedPayload:
		if !s.acceptSequence(view, event) {
			return *view, false
		}
		if view.Status != StatusActive {
			log.Debug().
				Str("auction_id", view.AuctionID).
				Str("status", string(view.Status)).
				Msg("dropping price update for non-active auction")
			return *view, false
		}
		if p.Amount < view.CurrentPrice {
			// Protocol violation: price must never regress. Defense against
			// a misbehaving server; discard rather than apply.
			log.Warn().
				Str("auction_id", view.AuctionID).
				Int64("amount", p.Amount).
				Int64("current_price", view.CurrentPrice).
				Uint64("sequence", event.Sequence).
				Msg("discarding price regression")
			return *view, false
		}
		view.CurrentPrice = p.Amount
		view.WinnerID = p.WinnerID
		if p.NewEndAt != nil && p.NewEndAt.After(view.EndAt) {
			// Anti-snipe extension; never shortens.
			view.EndAt = *p.NewEndAt
		}
		view.Sequence = event.Sequence
		return *view, true

	case realtime.TimeExtendedPayload:
		if !s.acceptSequence(view, event) {
			return *view, false
		}
		if p.NewEndAt.After(view.EndAt) {
			view.EndAt = p.NewEndAt
		}
		view.Sequence = event.Sequence
		return *view, true

	case realtime.AuctionEndedPayload:
		if !s.acceptSequence(view, event) {
			return *view, false
		}
		status, ok := ParseStatus(p.FinalStatus)
		if !ok || !status.Terminal() {
			log.Warn().
				Str("auction_id", view.AuctionID).
				Str("final_status", p.FinalStatus).
				Msg("discarding auction ended event with invalid final status")
			return *view, false
		}
		view.Status = status
		view.Sequence = event.Sequence
		return *view, true

	default:
		return *view, false
	}
}

// acceptSequence enforces the terminal-freeze and strict-monotonic-sequence
// rules shared by all ordered events.
func (s *ViewStore) acceptSequence(view *AuctionView, event *realtime.ServerEvent) bool {
	if view.Status.Terminal() {
		log.Debug().
			Str("auction_id", view.AuctionID).
			Str("event_type", string(event.Type)).
			Msg("dropping event for terminal auction")
		return false
	}
	if event.Sequence <= view.Sequence {
		log.Debug().
			Str("auction_id", view.AuctionID).
			Str("event_type", string(event.Type)).
			Uint64("sequence", event.Sequence).
			Uint64("view_sequence", view.Sequence).
			Msg("dropping duplicate or stale event")
		return false
	}
	return true
}
