package commands

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/am"
	"github.com/kulturgut/ingest/catalog"
	"github.com/kulturgut/ingest/db"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/index"
	"github.com/kulturgut/ingest/internal/httpclient"
	"github.com/kulturgut/ingest/internal/metrics"
	"github.com/kulturgut/ingest/ixgest/ingest"
	"github.com/kulturgut/ingest/ixgest/transform"
	"github.com/kulturgut/ingest/logger"
	"github.com/kulturgut/ingest/pulse/async"
)

// loadConfig honours the global --config flag
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return am.LoadFromFile(path)
	}
	return am.Load()
}

// openDatabase opens and migrates the job ledger
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.WithHint(err, "set database.path or INGEST_DATABASE_PATH")
	}
	return database, nil
}

func openCatalog(cfg *am.Config) (*catalog.Catalog, error) {
	c, err := catalog.Open(cfg.Catalog.Dir, cfg.Index.BatchSize)
	if err != nil {
		return nil, errors.WithHint(err, "set catalog.dir or INGEST_CATALOG_DIR")
	}
	return c, nil
}

// services is everything a process that executes jobs needs
type services struct {
	cfg      *am.Config
	db       *sql.DB
	catalog  *catalog.Catalog
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	clients  *index.ClientCache
	cache    *transform.DeployCache
	queue    *async.Queue
	handler  *ingest.Handler
	pool     *async.WorkerPool
	logger   *zap.SugaredLogger
}

// newServices wires the queue, worker and ingest handler. The worker is not
// started.
func newServices(ctx context.Context, cfg *am.Config) (s *services, err error) {
	log := logger.Logger
	s = &services{cfg: cfg, logger: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.metrics, err = metrics.New(s.registry); err != nil {
		return nil, err
	}
	if s.catalog, err = openCatalog(cfg); err != nil {
		return nil, err
	}
	if s.db, err = openDatabase(cfg); err != nil {
		return nil, err
	}
	if cfg.Images.CacheDir != "" {
		if s.cache, err = transform.OpenDeployCache(cfg.Images.CacheDir, 0, logger.ComponentLogger("images")); err != nil {
			return nil, err
		}
	}

	indexLog := logger.ComponentLogger("index")
	clientOpts := index.ClientOptions{Timeout: cfg.Index.Timeout(), RetryMax: cfg.Index.RetryMax}
	s.clients = index.NewClientCache(cfg.Index.MaxClients, cfg.Index.ClientTTL(), func(ep index.Endpoint) index.Indexer {
		return index.NewClient(ep, clientOpts, s.metrics, indexLog)
	}, indexLog)
	sink := index.NewSink(s.clients, cfg.Pulse.StreamBuffer, s.metrics, indexLog)

	blockPrivate := cfg.Images.BlockPrivateNetworks
	fetcher := httpclient.New(httpclient.Options{
		ConnectTimeout:    cfg.Images.ConnectTimeout(),
		ReadTimeout:       cfg.Images.ReadTimeout(),
		RequestsPerSecond: cfg.Images.RequestsPerSecond,
		BlockPrivateIP:    &blockPrivate,
	}, s.metrics, logger.ComponentLogger("fetch"))

	s.queue = async.NewQueue(s.db)
	s.handler = ingest.NewHandler(s.catalog, sink, s.queue, ingest.Options{
		Images: transform.ImageOptions{
			DeployDir:    cfg.Images.DeployDir,
			BaseURL:      cfg.Images.BaseURL,
			Format:       cfg.Images.Format,
			MaxDimension: cfg.Images.MaxDimension,
			JPEGQuality:  cfg.Images.JPEGQuality,
		},
		DeployCache: s.cache,
		Fetcher:     fetcher,
		MPlusURL:    cfg.Images.MPlusURL,
	}, log)
	s.queue.SetHarvester(s.handler)

	s.pool = async.NewWorkerPool(ctx, s.queue, async.WorkerPoolConfig{
		PollInterval: cfg.Pulse.PollInterval(),
		StopGrace:    cfg.Pulse.StopGrace(),
		LeaseTTL:     cfg.Pulse.LeaseTTL(),
	}, s.metrics, log)
	s.pool.Registry().Register(s.handler)
	return s, nil
}

// Close releases what newServices opened
func (s *services) Close() {
	if s.clients != nil {
		s.clients.Purge()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warnw("Failed to close deploy cache", logger.FieldError, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && !db.IsDatabaseClosed(err) {
			s.logger.Warnw("Failed to close database", logger.FieldError, err)
		}
	}
}
