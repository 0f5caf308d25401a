package auction

import (
	"errors"
	"fmt"
)

// Validation errors returned synchronously by SubmitBid before any network
// call. These are expected user-facing outcomes, not system errors.
var (
	// ErrNotSubscribed is returned for operations on an auction this client
	// never subscribed to. Programmer error at the call site.
	ErrNotSubscribed = errors.New("auction not subscribed")

	// ErrAuctionNotOpen is returned when the auction is not accepting bids.
	ErrAuctionNotOpen = errors.New("auction not open")

	// ErrSellerBid is returned when the bidder is the auction's own seller.
	ErrSellerBid = errors.New("seller cannot bid")

	// ErrBidInFlight is returned when a pending bid for the same auction has
	// not resolved yet. New submissions are rejected, never queued.
	ErrBidInFlight = errors.New("bid already in flight")
)

// BidTooLowError is returned when the amount is below the current price plus
// the auction's bid increment.
type BidTooLowError struct {
	Amount  int64
	Minimum int64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low: minimum acceptable bid is %d", e.Minimum)
}

// BidRejectedError carries the machine-readable reason the server refused a
// submitted bid, e.g. when someone else's bid already raised the price.
type BidRejectedError struct {
	Reason string
}

func (e *BidRejectedError) Error() string {
	return fmt.Sprintf("bid rejected: %s", e.Reason)
}
