package testsupport

import (
	"path/filepath"
	"testing"

	"bookfetch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Tracker.BaseURL = "http://tracker.test"
	cfg.Tracker.Username = "test"
	cfg.Tracker.Password = "test"
	cfg.Indexer.Enabled = true
	cfg.Indexer.BaseURL = "http://indexer.test"
	cfg.Indexer.APIKey = "test"
	cfg.DownloadClient.BaseURL = "http://client.test"
	cfg.Identity.EgressCheckURL = "http://egress.test/ip"
	cfg.Identity.AllowedEgressCIDRs = []string{"10.0.0.0/8"}

	// Instant pacing keeps tests fast and deterministic.
	cfg.Pacing.Tracker.BaseDelayMS = 0
	cfg.Pacing.Tracker.JitterFraction = 0
	cfg.Pacing.Tracker.IdleEveryRequests = 0
	cfg.Pacing.Open.BaseDelayMS = 0
	cfg.Pacing.Open.JitterFraction = 0
	cfg.Pacing.Open.IdleEveryRequests = 0

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithTrackerBaseURL points the tracker client at a test server.
func WithTrackerBaseURL(baseURL string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Tracker.BaseURL = baseURL
	}
}

// WithIndexerBaseURL points the aggregator client at a test server.
func WithIndexerBaseURL(baseURL string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Indexer.BaseURL = baseURL
	}
}

// WithDownloadClientBaseURL points the download client at a test server.
func WithDownloadClientBaseURL(baseURL string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.DownloadClient.BaseURL = baseURL
	}
}
