// Package am holds the service configuration ("am" = the settings the
// ingest daemon *is* running with). Values come from TOML files merged by
// viper, environment variables prefixed with INGEST_, and defaults.
package am

import (
	"fmt"
	"time"
)

// Config represents the ingest service configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Watch    WatchConfig    `mapstructure:"watch" toml:"watch"`
	Index    IndexConfig    `mapstructure:"index" toml:"index"`
	Images   ImagesConfig   `mapstructure:"images" toml:"images"`
	Catalog  CatalogConfig  `mapstructure:"catalog" toml:"catalog"`
	Metrics  MetricsConfig  `mapstructure:"metrics" toml:"metrics"`
}

// DatabaseConfig configures the SQLite job ledger
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// PulseConfig configures the ingestion job queue.
// Ingestion always runs on exactly one worker; only timing is tunable.
type PulseConfig struct {
	PollIntervalMS   int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`     // Queue poll interval when idle (default: 1000)
	StopGraceSeconds int `mapstructure:"stop_grace_seconds" toml:"stop_grace_seconds"` // Wait for the running job on shutdown (default: 30)
	StreamBuffer     int `mapstructure:"stream_buffer" toml:"stream_buffer"`           // Documents buffered between source and sink (default: 64)
	LeaseTTLSeconds  int `mapstructure:"lease_ttl_seconds" toml:"lease_ttl_seconds"`   // Worker lease expiry without heartbeat (default: 30)
}

// WatchConfig configures the trigger-file watchers
type WatchConfig struct {
	PoolSize            int  `mapstructure:"pool_size" toml:"pool_size"`                         // Max concurrent watchers (default: 32)
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"` // Sleep between existence checks (default: 10)
	StopGraceSeconds    int  `mapstructure:"stop_grace_seconds" toml:"stop_grace_seconds"`       // Wait for watchers on shutdown (default: 15)
	FSNotify            bool `mapstructure:"fsnotify" toml:"fsnotify"`                           // Wake watchers early on filesystem events (default: true)
}

// IndexConfig configures the search index sink
type IndexConfig struct {
	ClientTTLHours int `mapstructure:"client_ttl_hours" toml:"client_ttl_hours"` // Idle client eviction (default: 12)
	MaxClients     int `mapstructure:"max_clients" toml:"max_clients"`           // Cached endpoints (default: 64)
	BatchSize      int `mapstructure:"batch_size" toml:"batch_size"`             // Documents per update request (default: 100)
	TimeoutSeconds int `mapstructure:"timeout_seconds" toml:"timeout_seconds"`   // Per request (default: 60)
	RetryMax       int `mapstructure:"retry_max" toml:"retry_max"`               // Transport retries (default: 3)
}

// ImagesConfig configures media fetching and deployment
type ImagesConfig struct {
	DeployDir             string  `mapstructure:"deploy_dir" toml:"deploy_dir"`
	BaseURL               string  `mapstructure:"base_url" toml:"base_url"`
	MaxDimension          int     `mapstructure:"max_dimension" toml:"max_dimension"` // Longest edge in pixels (default: 1600)
	Format                string  `mapstructure:"format" toml:"format"`               // jpeg or png (default: jpeg)
	JPEGQuality           int     `mapstructure:"jpeg_quality" toml:"jpeg_quality"`
	ConnectTimeoutSeconds int     `mapstructure:"connect_timeout_seconds" toml:"connect_timeout_seconds"` // default: 5
	ReadTimeoutSeconds    int     `mapstructure:"read_timeout_seconds" toml:"read_timeout_seconds"`       // default: 30
	RequestsPerSecond     float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`         // 0 = unthrottled
	CacheDir              string  `mapstructure:"cache_dir" toml:"cache_dir"`                             // Empty disables the deploy cache
	MPlusURL              string  `mapstructure:"mplus_url" toml:"mplus_url"`                             // Thumbnail template with {id} and {base}; empty uses the ria-ws default
	BlockPrivateNetworks  bool    `mapstructure:"block_private_networks" toml:"block_private_networks"`
}

// CatalogConfig locates mapping, target and template definitions
type CatalogConfig struct {
	Dir    string `mapstructure:"dir" toml:"dir"`
	Reload bool   `mapstructure:"reload" toml:"reload"` // Restart watchers when templates change on disk
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"` // Empty disables the listener
}

// File and directory permission constants
const (
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// PollInterval returns the idle queue poll interval
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// StopGrace returns the shutdown grace period for the running job
func (p PulseConfig) StopGrace() time.Duration {
	return time.Duration(p.StopGraceSeconds) * time.Second
}

// LeaseTTL returns how long a silent worker keeps the ledger lease
func (p PulseConfig) LeaseTTL() time.Duration {
	return time.Duration(p.LeaseTTLSeconds) * time.Second
}

// PollInterval returns the sleep between trigger existence checks
func (w WatchConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// StopGrace returns how long Stop waits for watchers to exit
func (w WatchConfig) StopGrace() time.Duration {
	return time.Duration(w.StopGraceSeconds) * time.Second
}

// ClientTTL returns the idle eviction period for cached index clients
func (i IndexConfig) ClientTTL() time.Duration {
	return time.Duration(i.ClientTTLHours) * time.Hour
}

// Timeout returns the per-request index timeout
func (i IndexConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// ConnectTimeout returns the image fetch dial timeout
func (i ImagesConfig) ConnectTimeout() time.Duration {
	return time.Duration(i.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout returns the image fetch response timeout
func (i ImagesConfig) ReadTimeout() time.Duration {
	return time.Duration(i.ReadTimeoutSeconds) * time.Second
}

// String renders a one-line summary for startup logs
func (c *Config) String() string {
	return fmt.Sprintf("database=%s catalog=%s watchers=%d index.batch=%d images.max=%d",
		c.Database.Path, c.Catalog.Dir, c.Watch.PoolSize, c.Index.BatchSize, c.Images.MaxDimension)
}
