package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/velora-market/velora/go/clients/auctionapi"
	"github.com/velora-market/velora/go/internal/auction"
	"github.com/velora-market/velora/go/internal/realtime"
)

// buildClient is the composition root: it constructs the session, dispatcher,
// API client, and consumer client, and connects the session.
func buildClient(ctx context.Context, cfg *Config) (*auction.Client, *realtime.Session, error) {
	dispatcher := realtime.NewDispatcher()
	session := realtime.NewSession(realtime.DefaultSessionConfig(cfg.Realtime.URL), dispatcher)
	api := auctionapi.NewClient(cfg.API.BaseURL, cfg.API.Token)

	clientCfg := auction.DefaultClientConfig(cfg.Bidder.ID)
	if t := cfg.confirmTimeout(); t > 0 {
		clientCfg.Bid.ConfirmTimeout = t
	}
	client := auction.NewClient(session, dispatcher, api, clientCfg)

	if err := session.Connect(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect realtime session: %w", err)
	}
	return client, session, nil
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <auction-id>",
		Short: "Follow an auction's price, winner, and countdown live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auctionID := args[0]

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

			view, err := client.Subscribe(ctx, auctionID)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			printView(view)

			updates, stopWatch := client.Watch(auctionID)
			defer stopWatch()
			go func() {
				for v := range updates {
					printView(v)
				}
			}()

			err = client.RunCountdown(ctx, auctionID, func(t auction.Tick) {
				if t.Ended {
					fmt.Printf("\r%-12s awaiting final result from server", "ended")
					return
				}
				fmt.Printf("\r%-12s", t.Remaining.Truncate(time.Second))
			})
			if err != nil && ctx.Err() == nil {
				return err
			}

			log.Info().Str("auction_id", auctionID).Msg("stopped watching")
			return client.Unsubscribe(context.Background(), auctionID)
		},
	}
}

func printView(v auction.AuctionView) {
	winner := v.WinnerID
	if winner == "" {
		winner = "-"
	}
	fmt.Printf("\n[%s] price=%d winner=%s viewers=%d ends=%s\n",
		v.Status, v.CurrentPrice, winner, v.ViewerCount, v.EndAt.Local().Format("15:04:05"))
}
