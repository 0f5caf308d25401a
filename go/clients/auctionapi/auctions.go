package auctionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velora-market/velora/go/clients"
	"github.com/velora-market/velora/go/internal/auction"
)

// AuctionResponse is the wire shape of the auction snapshot read. It carries
// its own sequence so the view store can order it against pushed events.
type AuctionResponse struct {
	AuctionID    string    `json:"auction_id"`
	SellerID     string    `json:"seller_id"`
	CurrentPrice int64     `json:"current_price"`
	WinnerID     string    `json:"winner_id"`
	Status       string    `json:"status"`
	EndAt        time.Time `json:"end_at"`
	BidIncrement int64     `json:"bid_increment"`
	Sequence     uint64    `json:"sequence"`
	ViewerCount  int       `json:"viewer_count"`
}

// BidRequest is the wire shape of the bid write.
type BidRequest struct {
	AuctionID string `json:"auction_id"`
	Amount    int64  `json:"amount"`
}

// errorResponse is the machine-readable rejection body for 4xx bid writes.
type errorResponse struct {
	Reason string `json:"reason"`
}

// GetAuction fetches the authoritative snapshot of an auction. Used for the
// initial load on subscribe and for bid-timeout reconciliation.
func (c *Client) GetAuction(ctx context.Context, auctionID string) (auction.AuctionView, error) {
	body, err := c.Get(ctx, fmt.Sprintf("%s/%s", AuctionEndpoint, auctionID))
	if err != nil {
		return auction.AuctionView{}, fmt.Errorf("failed to get auction: %w", err)
	}

	var response AuctionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return auction.AuctionView{}, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}

	status, ok := auction.ParseStatus(response.Status)
	if !ok {
		return auction.AuctionView{}, fmt.Errorf("unknown auction status: %s", response.Status)
	}

	return auction.AuctionView{
		AuctionID:    response.AuctionID,
		SellerID:     response.SellerID,
		CurrentPrice: response.CurrentPrice,
		WinnerID:     response.WinnerID,
		Status:       status,
		EndAt:        response.EndAt,
		BidIncrement: response.BidIncrement,
		Sequence:     response.Sequence,
		ViewerCount:  response.ViewerCount,
	}, nil
}

// PlaceBid submits a bid. A 2xx response returns nil and carries nothing
// authoritative: confirmation arrives as a PriceUpdated push. A 4xx response
// maps to auction.BidRejectedError with the server-provided reason.
func (c *Client) PlaceBid(ctx context.Context, auctionID string, amount int64) error {
	payload, err := json.Marshal(BidRequest{AuctionID: auctionID, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to marshal bid: %w", err)
	}

	_, err = c.Post(ctx, fmt.Sprintf("%s/%s/bids", AuctionEndpoint, auctionID), bytes.NewReader(payload))
	if err == nil {
		return nil
	}

	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		reason := "bid refused"
		var body errorResponse
		if jsonErr := json.Unmarshal(statusErr.Body, &body); jsonErr == nil && body.Reason != "" {
			reason = body.Reason
		}
		return &auction.BidRejectedError{Reason: reason}
	}
	return fmt.Errorf("failed to place bid: %w", err)
}
