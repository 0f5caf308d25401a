package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// BidState represents the lifecycle of a submitted bid.
type BidState string

const (
	BidSubmitting           BidState = "Submitting"
	BidAwaitingConfirmation BidState = "AwaitingConfirmation"
	BidConfirmed            BidState = "Confirmed"
	BidRejected             BidState = "Rejected"
	BidTimedOut             BidState = "TimedOut"
)

// PendingBid tracks one optimistic bid from submission until it is confirmed
// by an authoritative price push, rejected by the server, or timed out. At
// most one exists per auction per client.
type PendingBid struct {
	AuctionID   string
	Amount      int64
	SubmittedAt time.Time
	State       BidState
}

// resolved reports whether the bid no longer blocks a new submission.
func (b PendingBid) resolved() bool {
	return b.State != BidSubmitting && b.State != BidAwaitingConfirmation
}

// API is the HTTP boundary the bid flow uses: the bid write and the
// authoritative snapshot read used for timeout reconciliation.
type API interface {
	GetAuction(ctx context.Context, auctionID string) (AuctionView, error)
	PlaceBid(ctx context.Context, auctionID string, amount int64) error
}

// BidConfig holds configuration for the bid submission flow.
type BidConfig struct {
	// BidderID identifies this client in seller self-bid validation.
	BidderID string

	// ConfirmTimeout bounds the wait for the authoritative PriceUpdated push
	// after the server accepted a bid. Covers a lost push or a dropped
	// connection; on expiry the flow re-reads the auction snapshot once.
	ConfirmTimeout time.Duration

	// ReconcileTimeout bounds the snapshot read triggered by a confirmation
	// timeout.
	ReconcileTimeout time.Duration
}

// DefaultBidConfig returns the default bid flow configuration.
func DefaultBidConfig(bidderID string) BidConfig {
	return BidConfig{
		BidderID:         bidderID,
		ConfirmTimeout:   12 * time.Second,
		ReconcileTimeout: 10 * time.Second,
	}
}

type pendingEntry struct {
	bid   PendingBid
	timer clockwork.Timer

	// priceMatched records a confirming push that arrived while the HTTP
	// accept was still in flight; Submit resolves it when the call returns.
	priceMatched bool
}

// BidFlow validates candidate bids against the current view, submits them,
// and reconciles the optimistic outcome with the authoritative pushes that
// follow.
type BidFlow struct {
	store *ViewStore
	api   API
	clock clockwork.Clock
	cfg   BidConfig

	// onReconcile, when set, receives the authoritative snapshot fetched
	// after a confirmation timeout instead of a direct store write. The
	// client installs it so reconciled views reach watchers and the
	// countdown like any pushed update.
	onReconcile func(AuctionView)

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewBidFlow creates a bid flow over the given store and HTTP boundary.
func NewBidFlow(store *ViewStore, api API, clock clockwork.Clock, cfg BidConfig) *BidFlow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 12 * time.Second
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = 10 * time.Second
	}
	return &BidFlow{
		store:   store,
		api:     api,
		clock:   clock,
		cfg:     cfg,
		pending: make(map[string]*pendingEntry),
	}
}

// Submit validates amount against the auction's current view and, when valid,
// places the bid. Validation failures return before any network call. A
// server accept resolves to AwaitingConfirmation; the authoritative price is
// still whatever the view holds until the matching PriceUpdated push lands.
func (f *BidFlow) Submit(ctx context.Context, auctionID string, amount int64) (PendingBid, error) {
	view, ok := f.store.Get(auctionID)
	if !ok {
		return PendingBid{}, ErrNotSubscribed
	}

	f.mu.Lock()
	if err := f.validateLocked(view, amount); err != nil {
		f.mu.Unlock()
		return PendingBid{}, err
	}
	entry := &pendingEntry{
		bid: PendingBid{
			AuctionID:   auctionID,
			Amount:      amount,
			SubmittedAt: f.clock.Now(),
			State:       BidSubmitting,
		},
	}
	f.pending[auctionID] = entry
	f.mu.Unlock()

	err := f.api.PlaceBid(ctx, auctionID, amount)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[auctionID] != entry {
		// Abandoned by unsubscribe while the call was in flight.
		return entry.bid, err
	}

	if err != nil {
		entry.bid.State = BidRejected
		var rejected *BidRejectedError
		if errors.As(err, &rejected) {
			log.Debug().
				Str("auction_id", auctionID).
				Int64("amount", amount).
				Str("reason", rejected.Reason).
				Msg("bid rejected by server")
			return entry.bid, err
		}
		return entry.bid, &BidRejectedError{Reason: err.Error()}
	}

	if entry.priceMatched {
		// The confirming push beat the accept response.
		entry.bid.State = BidConfirmed
		log.Debug().
			Str("auction_id", auctionID).
			Int64("amount", amount).
			Msg("bid confirmed by price push")
		return entry.bid, nil
	}

	entry.bid.State = BidAwaitingConfirmation
	entry.timer = f.clock.AfterFunc(f.cfg.ConfirmTimeout, func() {
		f.confirmTimeout(auctionID, entry)
	})

	log.Debug().
		Str("auction_id", auctionID).
		Int64("amount", amount).
		Msg("bid accepted, awaiting confirmation push")
	return entry.bid, nil
}

// validateLocked applies the pre-submission checks in order, each with a
// distinct reason. Caller holds f.mu.
func (f *BidFlow) validateLocked(view AuctionView, amount int64) error {
	if view.Status != StatusActive {
		return ErrAuctionNotOpen
	}
	if view.SellerID != "" && view.SellerID == f.cfg.BidderID {
		return ErrSellerBid
	}
	if min := view.MinimumBid(); amount < min {
		return &BidTooLowError{Amount: amount, Minimum: min}
	}
	if entry, ok := f.pending[view.AuctionID]; ok && !entry.bid.resolved() {
		return ErrBidInFlight
	}
	return nil
}

// ObservePrice reconciles the pending bid for an auction against an accepted
// authoritative price. A price equal to the proposal confirms it; anything
// else leaves the bid pending until rejection or timeout resolves it.
func (f *BidFlow) ObservePrice(auctionID string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.pending[auctionID]
	if !ok || price != entry.bid.Amount {
		return
	}
	switch entry.bid.State {
	case BidSubmitting:
		// The push raced ahead of the HTTP accept still in flight; Submit
		// picks this up when the call returns.
		entry.priceMatched = true
	case BidAwaitingConfirmation:
		entry.bid.State = BidConfirmed
		stopTimer(entry)
		log.Debug().
			Str("auction_id", auctionID).
			Int64("amount", price).
			Msg("bid confirmed by price push")
	}
}

// confirmTimeout marks a still-unconfirmed bid TimedOut and re-reads the
// authoritative snapshot exactly once to reconcile the view.
func (f *BidFlow) confirmTimeout(auctionID string, entry *pendingEntry) {
	f.mu.Lock()
	if f.pending[auctionID] != entry || entry.bid.State != BidAwaitingConfirmation {
		f.mu.Unlock()
		return
	}
	entry.bid.State = BidTimedOut
	f.mu.Unlock()

	log.Warn().
		Str("auction_id", auctionID).
		Int64("amount", entry.bid.Amount).
		Dur("timeout", f.cfg.ConfirmTimeout).
		Msg("bid confirmation timed out, reconciling from snapshot")

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ReconcileTimeout)
	defer cancel()
	snapshot, err := f.api.GetAuction(ctx, auctionID)
	if err != nil {
		log.Error().Err(err).Str("auction_id", auctionID).Msg("timeout reconciliation read failed")
		return
	}
	if f.onReconcile != nil {
		f.onReconcile(snapshot)
		return
	}
	f.store.Put(snapshot)
}

// Pending returns the latest bid for an auction, if any.
func (f *BidFlow) Pending(auctionID string) (PendingBid, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.pending[auctionID]
	if !ok {
		return PendingBid{}, false
	}
	return entry.bid, true
}

// Abandon drops any pending bid for an auction without resolving it. Used
// when the client leaves the auction; the bid is not retried.
func (f *BidFlow) Abandon(auctionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.pending[auctionID]
	if !ok {
		return
	}
	stopTimer(entry)
	delete(f.pending, auctionID)
}

func stopTimer(entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
}
