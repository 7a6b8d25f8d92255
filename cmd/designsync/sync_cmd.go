package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	designsync "github.com/interior-systems/designsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending mutation queue",
	Long:  "Replay queued offline mutations against the remote store, in order, and report the outcome.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(true)
		defer client.Store().Close()

		pending := client.Store().PendingCount()
		if pending == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		fmt.Printf("Syncing %d queued mutation(s)...\n", pending)

		client.On(designsync.EventMutationConfirmed, func(event string, payload any) {
			if m, ok := payload.(designsync.ConfirmedMapping); ok {
				if m.TempID != "" {
					fmt.Printf("  confirmed %s: %s -> %s\n", m.Collection, m.TempID, m.RemoteID)
				} else {
					fmt.Printf("  confirmed %s: %s\n", m.Collection, m.RemoteID)
				}
			}
		})
		client.On(designsync.EventMutationDeadLetter, func(event string, payload any) {
			if d, ok := payload.(designsync.DeadMutation); ok {
				fmt.Printf("  rejected #%d %s %s: %s\n", d.Seq, d.Op, d.Collection, d.Reason)
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		engine := designsync.NewSyncEngine(client)
		if err := engine.Drain(ctx); err != nil {
			var pf *designsync.SyncPartialFailure
			if errors.As(err, &pf) {
				fmt.Printf("Partial sync: %d applied, %d remaining (%v)\n",
					pf.Applied, pf.Remaining, pf.Err)
				return nil
			}
			return err
		}
		fmt.Println("Sync complete.")
		return nil
	},
}
