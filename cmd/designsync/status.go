package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local cache status",
	Long:  "Display the current configuration, the pending sync queue depth, and any dead-lettered mutations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		path, _ := cachePath(cfg)
		fmt.Printf("  Cache:    %s\n", path)

		client := getClient(false)
		defer client.Store().Close()

		fmt.Println()
		fmt.Println("Local cache:")
		if client.Store().Degraded() {
			fmt.Println("  Medium:  DEGRADED (memory-only)")
		} else {
			fmt.Println("  Medium:  healthy")
		}
		fmt.Printf("  Pending: %d queued mutation(s)\n", client.Store().PendingCount())

		dead, err := client.Store().ListDeadLetters()
		if err != nil {
			return err
		}
		if len(dead) == 0 {
			fmt.Println("  Dead:    none")
		} else {
			fmt.Printf("  Dead:    %d rejected mutation(s)\n", len(dead))
			for _, d := range dead {
				fmt.Printf("    #%d %s %s: %s\n", d.Seq, d.Op, d.Collection, d.Reason)
			}
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}
