package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/logging"
	"github.com/devblac/gov-watch/internal/storage"
)

var (
	cfgPath   string
	logFormat string
	debug     bool
	rootCmd   = &cobra.Command{
		Use:   "gov-watch",
		Short: "Substrate governance event monitor",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (default: search standard locations)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or pretty")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		versionCmd,
		validateCmd,
		runCmd,
		stateCmd,
		rulesCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func newLogger() *slog.Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if debug {
		level = "debug"
	}
	return logging.NewFormat(logFormat, level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStorage returns nil when no db_path is configured.
func openStorage(cfg *config.Config) (*storage.Store, error) {
	if cfg.Global.DBPath == "" {
		return nil, nil
	}
	store, err := storage.Open(cfg.Global.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

// selectNetworks resolves --network flags; none means every configured network.
func selectNetworks(cfg *config.Config, names []string) ([]config.Network, error) {
	if len(names) == 0 {
		names = cfg.NetworkNames()
	}
	out := make([]config.Network, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		n, err := cfg.Network(name)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
