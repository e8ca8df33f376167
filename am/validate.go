package am

import "github.com/kulturgut/ingest/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.StopGraceSeconds < 0 {
		return errors.Newf("pulse.stop_grace_seconds must be >= 0, got %d", c.Pulse.StopGraceSeconds)
	}
	if c.Pulse.StreamBuffer < 0 {
		return errors.Newf("pulse.stream_buffer must be >= 0, got %d", c.Pulse.StreamBuffer)
	}
	if c.Pulse.LeaseTTLSeconds < 3 {
		return errors.Newf("pulse.lease_ttl_seconds must be >= 3, got %d", c.Pulse.LeaseTTLSeconds)
	}

	if c.Watch.PoolSize <= 0 {
		return errors.Newf("watch.pool_size must be > 0, got %d", c.Watch.PoolSize)
	}
	if c.Watch.PollIntervalSeconds <= 0 {
		return errors.Newf("watch.poll_interval_seconds must be > 0, got %d", c.Watch.PollIntervalSeconds)
	}

	if c.Index.ClientTTLHours <= 0 {
		return errors.Newf("index.client_ttl_hours must be > 0, got %d", c.Index.ClientTTLHours)
	}
	if c.Index.BatchSize <= 0 {
		return errors.Newf("index.batch_size must be > 0, got %d", c.Index.BatchSize)
	}
	if c.Index.RetryMax < 0 {
		return errors.Newf("index.retry_max must be >= 0, got %d", c.Index.RetryMax)
	}

	switch c.Images.Format {
	case "jpeg", "png":
	default:
		return errors.Newf("images.format must be jpeg or png, got %q", c.Images.Format)
	}
	if c.Images.MaxDimension <= 0 {
		return errors.Newf("images.max_dimension must be > 0, got %d", c.Images.MaxDimension)
	}
	if c.Images.JPEGQuality < 1 || c.Images.JPEGQuality > 100 {
		return errors.Newf("images.jpeg_quality must be within 1..100, got %d", c.Images.JPEGQuality)
	}
	if c.Images.RequestsPerSecond < 0 {
		return errors.Newf("images.requests_per_second must be >= 0, got %f", c.Images.RequestsPerSecond)
	}

	if c.Catalog.Dir == "" {
		return errors.New("catalog.dir cannot be empty")
	}

	return nil
}
