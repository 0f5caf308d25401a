package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/velora-market/velora/go/internal/auction"
)

func newBidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bid <auction-id> <amount>",
		Short: "Place a bid (amount in minor units) and wait for the outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			auctionID := args[0]
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, session, err := buildClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer session.Close()
			defer client.Close()

			if _, err := client.Subscribe(ctx, auctionID); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer client.Unsubscribe(context.Background(), auctionID)

			bid, err := client.SubmitBid(ctx, auctionID, amount)
			if err != nil {
				var tooLow *auction.BidTooLowError
				var rejected *auction.BidRejectedError
				switch {
				case errors.As(err, &tooLow):
					return fmt.Errorf("bid too low: minimum acceptable bid is %d", tooLow.Minimum)
				case errors.As(err, &rejected):
					return fmt.Errorf("server rejected bid: %s", rejected.Reason)
				default:
					return err
				}
			}
			fmt.Printf("bid %d accepted, awaiting confirmation\n", bid.Amount)

			return waitForOutcome(ctx, client, auctionID)
		},
	}
}

// waitForOutcome polls the pending bid until the authoritative push, a
// rejection, or the confirmation timeout resolves it.
func waitForOutcome(ctx context.Context, client *auction.Client, auctionID string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		bid, ok := client.PendingBid(auctionID)
		if !ok {
			return nil
		}
		switch bid.State {
		case auction.BidConfirmed:
			fmt.Printf("confirmed: you are the highest bidder at %d\n", bid.Amount)
			return nil
		case auction.BidRejected:
			return fmt.Errorf("bid rejected by server")
		case auction.BidTimedOut:
			view, err := client.Snapshot(auctionID)
			if err != nil {
				return err
			}
			fmt.Printf("no confirmation received; authoritative price is %d (winner %s)\n",
				view.CurrentPrice, view.WinnerID)
			return nil
		}
	}
}
