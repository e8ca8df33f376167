package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kulturgut/ingest/am"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/ingest"
	"github.com/kulturgut/ingest/logger"
	"github.com/kulturgut/ingest/pulse/watch"
)

// PulseCmd groups the daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Manage the ingest daemon (job worker + trigger-file watchers)",
	Long: `The pulse daemon runs:
- one ingestion worker draining the job queue in submission order
- one trigger-file watcher per template with trigger.auto_start
- an optional Prometheus endpoint (metrics.addr)

Example:
  ingest pulse start`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd runs the daemon in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Long: `Start the worker and the watchers and run until interrupted.

On Ctrl+C or SIGTERM the watchers are cancelled and the running job is
stopped at its next suspension point and recorded as INTERRUPTED.`,
	RunE: runPulseStart,
}

func init() {
	PulseCmd.AddCommand(PulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	// Unattended daemons pick their log format from the environment
	if !cmd.Flags().Changed("verbose") && !cmd.Flags().Changed("json-logs") {
		if err := logger.InitializeFromEnv(); err != nil {
			return err
		}
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("pulse")
	log.Infow("Starting", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.pool.Start()
	if !svc.pool.HoldsLease() {
		log.Warnw("Another process holds the worker lease; this daemon takes over when it exits")
	}

	supervisor, err := watch.NewSupervisor(ctx, svc.catalog, svc.queue, watch.Config{
		PoolSize:     cfg.Watch.PoolSize,
		PollInterval: cfg.Watch.PollInterval(),
		StopGrace:    cfg.Watch.StopGrace(),
		FSNotify:     cfg.Watch.FSNotify,
		HandlerName:  ingest.HandlerName,
	}, svc.metrics, logger.Logger)
	if err != nil {
		svc.pool.Stop()
		return err
	}
	if err := supervisor.Start(); err != nil {
		log.Warnw("Watchers not started", logger.FieldError, err)
	}

	var catalogWatcher *am.CatalogWatcher
	if cfg.Catalog.Reload {
		catalogWatcher, err = am.NewCatalogWatcher(svc.catalog.Dirs(), logger.ComponentLogger("catalog"))
		if err != nil {
			log.Warnw("Catalog reload disabled", logger.FieldError, err)
		} else {
			catalogWatcher.OnChange(func(changed []string) {
				log.Infow("Catalog changed, reconciling watchers", logger.FieldCount, len(changed))
				if err := supervisor.Reconcile(); err != nil {
					log.Warnw("Reconcile failed", logger.FieldError, err)
				}
			})
			catalogWatcher.Start()
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(svc.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics listener failed", logger.FieldError, err)
			}
		}()
		log.Infow("Metrics listening", "addr", cfg.Metrics.Addr)
	}

	log.Infow("Daemon started",
		"watchers", len(supervisor.Running()),
		"poll_interval", cfg.Pulse.PollInterval())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Infow("Shutting down")

	// Reverse order of startup
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		done()
	}
	if catalogWatcher != nil {
		if err := catalogWatcher.Stop(); err != nil {
			log.Warnw("Catalog watcher stop", logger.FieldError, err)
		}
	}
	if err := supervisor.Stop(); err != nil {
		log.Warnw("Watchers did not stop cleanly", logger.FieldError, err)
	}
	svc.pool.Stop()

	log.Infow("Daemon stopped")
	return nil
}
