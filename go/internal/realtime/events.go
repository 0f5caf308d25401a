package realtime

import (
	"encoding/json"
	"time"
)

// ServerEvent is the envelope for every event pushed by the auction server
// over the realtime connection.
type ServerEvent struct {
	ID        string          `json:"id"`         // Event UUID
	AuctionID string          `json:"auction_id"` // Auction the event belongs to
	Type      EventType       `json:"type"`       // Event type
	Sequence  uint64          `json:"sequence"`   // Per-auction server-assigned counter
	Timestamp time.Time       `json:"timestamp"`  // Server event creation time
	Data      json.RawMessage `json:"data"`       // Event-specific payload
}

// EventType represents the type of a pushed auction event.
type EventType string

const (
	EventTypePriceUpdated       EventType = "PriceUpdated"
	EventTypeAuctionEnded       EventType = "AuctionEnded"
	EventTypeTimeExtended       EventType = "TimeExtended"
	EventTypeViewerCountUpdated EventType = "ViewerCountUpdated"

	// EventTypeConnectionState is emitted locally by the Session, never by the
	// server. Advisory only.
	EventTypeConnectionState EventType = "ConnectionState"
)

// PriceUpdatedPayload is the payload for a PriceUpdated event.
type PriceUpdatedPayload struct {
	Amount   int64      `json:"amount"` // Minor units
	WinnerID string     `json:"winner_id"`
	NewEndAt *time.Time `json:"new_end_at,omitempty"` // Set when the bid triggered an anti-snipe extension
}

// AuctionEndedPayload is the payload for an AuctionEnded event.
type AuctionEndedPayload struct {
	FinalStatus string    `json:"final_status"` // "Completed" or "Cancelled"
	EndedAt     time.Time `json:"ended_at"`
}

// TimeExtendedPayload is the payload for a TimeExtended event.
type TimeExtendedPayload struct {
	NewEndAt time.Time `json:"new_end_at"`
}

// ViewerCountUpdatedPayload is the payload for a ViewerCountUpdated event.
type ViewerCountUpdatedPayload struct {
	Count int `json:"count"`
}

// ConnectionStatePayload is the payload for a locally emitted ConnectionState event.
type ConnectionStatePayload struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt"` // Reconnect attempt counter, 0 after a successful connect
}

// ParseEventPayload parses event data into the appropriate payload struct.
func ParseEventPayload(event *ServerEvent) (interface{}, error) {
	switch event.Type {
	case EventTypePriceUpdated:
		var payload PriceUpdatedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeAuctionEnded:
		var payload AuctionEndedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeTimeExtended:
		var payload TimeExtendedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeViewerCountUpdated:
		var payload ViewerCountUpdatedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeConnectionState:
		var payload ConnectionStatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}
