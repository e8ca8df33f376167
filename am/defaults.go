package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "ingest.db")

	// Pulse (ingestion queue) defaults
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.stop_grace_seconds", 30)
	v.SetDefault("pulse.stream_buffer", 64)
	v.SetDefault("pulse.lease_ttl_seconds", 30)

	// Watcher defaults
	v.SetDefault("watch.pool_size", 32)
	v.SetDefault("watch.poll_interval_seconds", 10)
	v.SetDefault("watch.stop_grace_seconds", 15)
	v.SetDefault("watch.fsnotify", true)

	// Index sink defaults
	v.SetDefault("index.client_ttl_hours", 12)
	v.SetDefault("index.max_clients", 64)
	v.SetDefault("index.batch_size", 100)
	v.SetDefault("index.timeout_seconds", 60)
	v.SetDefault("index.retry_max", 3)

	// Image defaults
	v.SetDefault("images.deploy_dir", "media")
	v.SetDefault("images.base_url", "/media")
	v.SetDefault("images.max_dimension", 1600)
	v.SetDefault("images.format", "jpeg")
	v.SetDefault("images.jpeg_quality", 85)
	v.SetDefault("images.connect_timeout_seconds", 5)
	v.SetDefault("images.read_timeout_seconds", 30)
	v.SetDefault("images.requests_per_second", 4.0)
	v.SetDefault("images.cache_dir", "")
	v.SetDefault("images.mplus_url", "")
	v.SetDefault("images.block_private_networks", false)

	// Catalog defaults
	v.SetDefault("catalog.dir", "catalog")
	v.SetDefault("catalog.reload", true)

	// Metrics defaults
	v.SetDefault("metrics.addr", "")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "INGEST_DATABASE_PATH")
	_ = v.BindEnv("catalog.dir", "INGEST_CATALOG_DIR")
	_ = v.BindEnv("images.deploy_dir", "INGEST_IMAGES_DEPLOY_DIR")
	_ = v.BindEnv("metrics.addr", "INGEST_METRICS_ADDR")
}
