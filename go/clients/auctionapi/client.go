package auctionapi

import (
	"github.com/velora-market/velora/go/clients"
)

const (
	AuctionEndpoint = "/api/auctions"

	AuthorizationHeader = "Authorization"
)

// Client is the HTTP client for the storefront's auction REST API: the
// authoritative snapshot read and the bid write. Push events travel over the
// realtime session, not here.
type Client struct {
	*clients.BaseClient
}

// NewClient creates an auction API client. token may be empty for
// unauthenticated reads.
func NewClient(baseURL, token string) *Client {
	client := &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	client.SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetHeader(AuthorizationHeader, "Bearer "+token)
	}
	return client
}
