package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devblac/gov-watch/internal/chain/substrate"
	"github.com/devblac/gov-watch/internal/health"
	"github.com/devblac/gov-watch/internal/metrics"
	"github.com/devblac/gov-watch/internal/monitor"
	"github.com/devblac/gov-watch/internal/rules"
	"github.com/devblac/gov-watch/internal/sink"
	"github.com/devblac/gov-watch/internal/watermark"
)

var (
	flagNetworks   []string
	flagStartBlock uint64
	flagDryRun     bool
	flagHealth     string
	flagMetrics    string
)

func init() {
	runCmd.Flags().StringArrayVarP(&flagNetworks, "network", "n", nil, "Network to monitor (repeatable; default: all configured)")
	runCmd.Flags().Uint64Var(&flagStartBlock, "start-block", 0, "Start from this height instead of the stored watermark")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor networks for governance events",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		networks, err := selectNetworks(cfg, flagNetworks)
		if err != nil {
			return err
		}
		for _, n := range networks {
			if n.EventsURL == "" {
				return fmt.Errorf("network %s: events_url is required to decode events", n.Name)
			}
		}
		var startBlock *uint64
		if cmd.Flags().Changed("start-block") {
			if len(networks) != 1 {
				return errors.New("--start-block needs exactly one --network")
			}
			startBlock = &flagStartBlock
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		wm, err := watermark.Open(ctx, cfg.Global.State, store)
		if err != nil {
			return fmt.Errorf("open watermark store: %w", err)
		}
		defer wm.Close()

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer shutdown(srv)
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		routes, err := sink.BuildRoutes(ctx, cfg.Sinks, store, log)
		if err != nil {
			return err
		}
		dcfg := sink.DispatcherConfig{Metrics: mtr, Logger: log, DryRun: flagDryRun}
		if store != nil {
			dcfg.Dedupe = store
		}
		dispatcher := sink.NewDispatcher(routes, dcfg)
		defer func() {
			if err := dispatcher.Close(); err != nil {
				log.Warn("close sinks", "error", err)
			}
		}()

		loader := rules.Loader{Dir: cfg.Global.RulesDir, Logger: log}
		monitors := make([]*monitor.Monitor, 0, len(networks))
		watched := make([]health.Watched, 0, len(networks))
		for _, n := range networks {
			n := n
			var m *monitor.Monitor
			m, err = monitor.New(monitor.Options{
				Network:    n,
				Polling:    cfg.Global.Polling,
				Rules:      loader.Load(n.Name),
				Dial:       substrate.Dial,
				Store:      wm,
				Sink:       dispatcher,
				Metrics:    mtr,
				Logger:     log,
				StartBlock: startBlock,
				OnStop: func() {
					// The run context is done by now; the route timeout bounds delivery.
					dispatcher.EmitStatus(context.Background(), n.Name, stopLine(m))
				},
			})
			if err != nil {
				return fmt.Errorf("network %s: %w", n.Name, err)
			}
			monitors = append(monitors, m)
			watched = append(watched, m)
		}

		if flagHealth != "" {
			checker := health.NewMonitorChecker(watched...)
			hc := health.Checker{RPCPing: checker.Ping, Networks: checker.States}
			if store != nil {
				hc.DBPing = store.Ping
			}
			healthSrv := health.Serve(flagHealth, hc)
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdown(healthSrv)
		}

		log.Info("starting monitors", "networks", len(monitors), "sinks", dispatcher.Routes(), "dry_run", flagDryRun)

		g, gctx := errgroup.WithContext(ctx)
		for _, m := range monitors {
			m := m
			g.Go(func() error { return m.Run(gctx) })
		}
		err = g.Wait()
		log.Info("shutdown complete")
		return err
	},
}

type blockReporter interface {
	CurrentBlock() (uint64, bool)
}

// stopLine is the status sent to sinks when a monitor exits.
func stopLine(m blockReporter) string {
	if h, ok := m.CurrentBlock(); ok {
		return fmt.Sprintf("Monitor stopped, next block #%d", h)
	}
	return "Monitor stopped before start"
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
