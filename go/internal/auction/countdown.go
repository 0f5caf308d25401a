package auction

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tick is one countdown observation for an auction.
type Tick struct {
	AuctionID string
	Remaining time.Duration
	// Ended means the remaining time crossed zero locally. Rendering only:
	// the authoritative end is exclusively the server's AuctionEnded event,
	// since the server may still extend the auction (anti-snipe) while this
	// client's clock already ran out.
	Ended bool
}

// Countdown derives live "time remaining" from a view's authoritative end
// instant. It is a pure function of the stored EndAt and the injected clock,
// so tearing one down and recreating it yields identical output for the same
// inputs.
type Countdown struct {
	store    *ViewStore
	clock    clockwork.Clock
	interval time.Duration
}

// NewCountdown creates a countdown ticking at the given interval (once per
// second if zero).
func NewCountdown(store *ViewStore, clock clockwork.Clock, interval time.Duration) *Countdown {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Countdown{
		store:    store,
		clock:    clock,
		interval: interval,
	}
}

// Remaining returns the time left for an auction, clamped at zero.
func (c *Countdown) Remaining(auctionID string) (time.Duration, error) {
	view, ok := c.store.Get(auctionID)
	if !ok {
		return 0, ErrNotSubscribed
	}
	return remainingAt(view.EndAt, c.clock.Now()), nil
}

// Run delivers a Tick immediately, then on every interval, and immediately
// whenever refresh signals an EndAt revision, until ctx is done. A nil
// refresh channel disables the immediate-recompute path.
func (c *Countdown) Run(ctx context.Context, auctionID string, refresh <-chan struct{}, fn func(Tick)) error {
	if _, ok := c.store.Get(auctionID); !ok {
		return ErrNotSubscribed
	}

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(auctionID, fn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			c.tick(auctionID, fn)
		case _, ok := <-refresh:
			if !ok {
				return nil
			}
			c.tick(auctionID, fn)
		}
	}
}

func (c *Countdown) tick(auctionID string, fn func(Tick)) {
	view, ok := c.store.Get(auctionID)
	if !ok {
		return
	}
	remaining := remainingAt(view.EndAt, c.clock.Now())
	fn(Tick{
		AuctionID: auctionID,
		Remaining: remaining,
		Ended:     remaining == 0,
	})
}

func remainingAt(endAt, now time.Time) time.Duration {
	remaining := endAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
