package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devblac/gov-watch/internal/chain"
	"github.com/devblac/gov-watch/internal/chain/substrate"
	"github.com/devblac/gov-watch/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping network endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		failures := 0
		for _, name := range cfg.NetworkNames() {
			n := cfg.Networks[name]
			height, events, err := pingNetwork(cmd.Context(), n)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- network %s: ERROR %v\n", name, err)
				continue
			}
			if n.EventsURL == "" {
				fmt.Fprintf(out, "- network %s: finalized #%d OK (no events_url, cannot run)\n", name, height)
				failures++
				continue
			}
			fmt.Fprintf(out, "- network %s: finalized #%d, %d events OK\n", name, height, events)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d network(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// pingNetwork dials, reads the finalized height and, when a sidecar is set,
// decodes that block's events.
func pingNetwork(ctx context.Context, n config.Network) (uint64, int, error) {
	client, err := substrate.Dial(ctx, chain.Endpoint{
		URL:       n.URL,
		EventsURL: n.EventsURL,
		Timeout:   n.ConnectionTimeout.Std(),
	})
	if err != nil {
		return 0, 0, err
	}
	defer client.Close()

	height, err := client.FinalizedHeight(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("finalized height: %w", err)
	}
	if n.EventsURL == "" {
		return height, 0, nil
	}
	hash, err := client.BlockHash(ctx, height)
	if err != nil {
		return height, 0, fmt.Errorf("block hash: %w", err)
	}
	events, err := client.Events(ctx, hash)
	if err != nil {
		return height, 0, fmt.Errorf("events: %w", err)
	}
	return height, len(events), nil
}
