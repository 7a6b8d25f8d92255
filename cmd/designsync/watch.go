package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	designsync "github.com/interior-systems/designsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Watch a project's realtime change feed",
	Long:  "Subscribe to a project's change feed and print merged changes until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]

		client := getClient(true)
		defer client.Store().Close()

		client.On(designsync.EventRealtimeConnected, func(event string, payload any) {
			fmt.Printf("connected to %v\n", payload)
		})
		client.On(designsync.EventRealtimeDisconnected, func(event string, payload any) {
			fmt.Printf("disconnected from %v\n", payload)
		})
		client.On(designsync.EventRealtimeReconnecting, func(event string, payload any) {
			if a, ok := payload.(designsync.ReconnectAttempt); ok {
				fmt.Printf("reconnecting (attempt %d, in %s)\n", a.Attempt, a.Delay)
			}
		})
		client.On(designsync.EventRealtimeError, func(event string, payload any) {
			fmt.Fprintf(os.Stderr, "realtime error: %v\n", payload)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Drain any queued offline work while the feed is up.
		engine := designsync.NewSyncEngine(client)
		go engine.Run(ctx)

		rt := designsync.NewRealtime(client, nil)
		sub, err := rt.SubscribeProject(ctx, projectID)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nStopping.")
		return nil
	},
}
