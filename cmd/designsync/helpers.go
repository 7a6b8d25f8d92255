package main

import (
	"fmt"
	"log/slog"
	"os"

	designsync "github.com/interior-systems/designsync"
)

// getClient creates a DesignSync client backed by the configured local
// cache. online controls the monitor's initial state: commands that only
// inspect the cache pass false so no network calls are attempted.
func getClient(online bool) *designsync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if online && cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'designsync init <token>' first.")
		os.Exit(1)
	}

	path, err := cachePath(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve cache path: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := designsync.OpenStore(path, logger)
	monitor := designsync.NewMonitor(online, designsync.DefaultDebounceWindow)

	opts := []designsync.ClientOption{designsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, designsync.WithBaseURL(cfg.Default.BaseURL))
	}

	return designsync.NewClient(cfg.Default.Token, store, monitor, opts...)
}
