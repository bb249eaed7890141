// Command sandboxrtd is the worker-local sandbox scheduler's process
// entrypoint (SPEC_FULL.md §4.9): it parses flags, loads Config, installs
// the signal core, starts N worker goroutines each pinned to its own OS
// thread, arms the interval timer once, and serves a loopback diagnostics
// endpoint. It never runs sandboxes itself — that is the worker-thread
// table's job — and it never accepts sandboxes over a network front end
// (spec.md §1: the listener is an external collaborator); the in-process
// Enqueue stand-in exists only for this repo's own integration tests.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/sandboxrt/internal/config"
	"github.com/nmxmxh/sandboxrt/internal/sandbox"
	"github.com/nmxmxh/sandboxrt/internal/worker"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sandboxrtd",
		Short:         "Worker-local preemptive scheduler for short-lived WebAssembly sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	// Flag names match Config's mapstructure tags exactly (underscores, not
	// dashes) so config.Load resolves them to the same keys the config file
	// and SANDBOXRT_* environment variables use.
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML/TOML/JSON)")
	cmd.Flags().Int("worker_count", 0, "number of workers (0 = use config/default)")
	cmd.Flags().String("propagation_mode", "", `"broadcast" or "triaged" (empty = use config/default)`)
	cmd.Flags().String("metrics_addr", "", "loopback address the diagnostics endpoint listens on")
	cmd.Flags().Bool("preemption_enabled", true, "globally enable preemptive scheduling")
	cmd.Flags().Bool("deferred_preemption_diagnostics", false, "track per-worker cumulative deferred-preemption totals")

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("sandboxrtd: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return err
	}
	logger.Info("configuration loaded",
		zap.Int("worker_count", cfg.WorkerCount),
		zap.String("propagation_mode", cfg.PropagationMode),
		zap.Uint64("quantum_micros", cfg.QuantumMicros),
		zap.Bool("preemption_enabled", cfg.PreemptionEnabled),
	)

	entry := moduleEntry(logger)

	pool, err := worker.NewPool(cfg, entry)
	if err != nil {
		logger.Error("worker pool init failed", zap.Error(err))
		return err
	}

	reg := prometheus.NewRegistry()
	if pool.Diagnostics().Enabled() {
		reg.MustRegister(pool.Diagnostics())
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- pool.Start(stop) }()

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("diagnostics endpoint listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		logger.Error("diagnostics endpoint failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	close(stop)
	return <-done
}

// moduleEntry adapts internal/moduleabi's call-order guarantee into the
// worker.Entry shape: run the sandbox's resolved module to completion and
// record the outcome.
func moduleEntry(logger *zap.Logger) worker.Entry {
	return func(sb *sandbox.Sandbox) {
		if sb.Module == nil {
			logger.Error("sandbox has no resolved module", zap.String("sandbox", sb.ID.String()))
			sb.SetState(sandbox.StateError)
			return
		}

		result := sb.Module.Run(0, 0)
		logger.Debug("sandbox run completed",
			zap.String("sandbox", sb.ID.String()),
			zap.Int32("result", result),
		)
		sb.SetState(sandbox.StateReturned)
	}
}
