package auction

import "time"

// Status represents the lifecycle status of an auction. Transitions are
// forward-only except Draft→Active and Active→{Pending,Cancelled}; Completed
// and Cancelled are terminal.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusActive    Status = "Active"
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further mutation of the auction is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus maps a server status string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusDraft, StatusActive, StatusPending, StatusCompleted, StatusCancelled:
		return Status(s), true
	default:
		return "", false
	}
}

// AuctionView is the client's authoritative model of one watched auction,
// maintained by merging server pushes. Monetary amounts are minor-unit
// integers.
type AuctionView struct {
	AuctionID    string    `json:"auction_id"`
	SellerID     string    `json:"seller_id"`
	CurrentPrice int64     `json:"current_price"` // Never decreases within an auction lifetime
	WinnerID     string    `json:"winner_id"`     // Current highest bidder, empty if none
	Status       Status    `json:"status"`
	EndAt        time.Time `json:"end_at"` // Only ever revised upward (anti-snipe)
	BidIncrement int64     `json:"bid_increment"`
	Sequence     uint64    `json:"sequence"`     // Highest server event sequence applied
	ViewerCount  int       `json:"viewer_count"` // Advisory, non-authoritative
}

// MinimumBid returns the lowest amount the next valid bid may carry.
func (v AuctionView) MinimumBid() int64 {
	return v.CurrentPrice + v.BidIncrement
}
