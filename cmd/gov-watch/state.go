package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/watermark"
)

var (
	stateNetworks []string
	stateClearAll bool
)

func init() {
	stateCmd.PersistentFlags().StringArrayVarP(&stateNetworks, "network", "n", nil, "Network (repeatable; default: all configured)")
	stateClearCmd.Flags().BoolVar(&stateClearAll, "all", false, "Clear every configured network")
	stateCmd.AddCommand(stateShowCmd, stateClearCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show or clear stored watermarks",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last processed block per network",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWatermarks(cmd, func(cfg *config.Config, wm watermark.Store, networks []config.Network) error {
			return printWatermarks(cmd, wm, networks, cmd.OutOrStdout())
		})
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete stored watermarks so the next run starts at the finalized head",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(stateNetworks) == 0 && !stateClearAll {
			return errors.New("state clear needs --network or --all")
		}
		return withWatermarks(cmd, func(cfg *config.Config, wm watermark.Store, networks []config.Network) error {
			for _, n := range networks {
				if err := wm.Delete(cmd.Context(), n.Name); err != nil {
					return fmt.Errorf("clear %s: %w", n.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cleared\n", n.Name)
			}
			return nil
		})
	},
}

func withWatermarks(cmd *cobra.Command, fn func(*config.Config, watermark.Store, []config.Network) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	networks, err := selectNetworks(cfg, stateNetworks)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	wm, err := watermark.Open(cmd.Context(), cfg.Global.State, store)
	if err != nil {
		return fmt.Errorf("open watermark store: %w", err)
	}
	defer wm.Close()
	return fn(cfg, wm, networks)
}

func printWatermarks(cmd *cobra.Command, wm watermark.Store, networks []config.Network, out io.Writer) error {
	for _, n := range networks {
		h, ok, err := wm.Get(cmd.Context(), n.Name)
		switch {
		case err != nil:
			fmt.Fprintf(out, "%s: error %v\n", n.Name, err)
		case !ok:
			fmt.Fprintf(out, "%s: -\n", n.Name)
		default:
			fmt.Fprintf(out, "%s: #%d\n", n.Name, h)
		}
	}
	return nil
}
