package config

import "time"

// CleanupConfig controls the trash purge runner.
type CleanupConfig struct {
	// Enabled turns the background purge on.
	Enabled bool `json:"enabled"`
	// Retention is how long trashed images keep their blobs before purge.
	Retention Duration `json:"retention"`
	// Interval is the sweep cadence.
	Interval Duration `json:"interval"`
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   true,
		Retention: Duration(30 * 24 * time.Hour),
		Interval:  Duration(time.Hour),
	}
}
