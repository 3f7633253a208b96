package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes. Renewal policy
// thresholds (safety margin, backoff, pending liveness) live in the
// hot-reloadable renewal policy, not here.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	MaxRenewBatchSize int
	MaxSweepBatchSize int
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		MaxRenewBatchSize: 25,
		MaxSweepBatchSize: 100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxRenewBatchSize <= 0 {
		c.MaxRenewBatchSize = defaults.MaxRenewBatchSize
	}
	if c.MaxSweepBatchSize <= 0 {
		c.MaxSweepBatchSize = defaults.MaxSweepBatchSize
	}
	return c
}
