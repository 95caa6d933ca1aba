package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	StateDir string `toml:"state_dir"`
}

// Tracker contains connection settings for the ratio-accounted source site.
type Tracker struct {
	BaseURL      string   `toml:"base_url"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	AllowedPaths []string `toml:"allowed_paths"`
}

// Indexer contains configuration for the primary aggregator.
type Indexer struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Identity contains routing and fingerprint configuration for the two
// isolated network identities.
type Identity struct {
	// TunnelProxyURL is the proxy carrying all tracker traffic.
	TunnelProxyURL string `toml:"tunnel_proxy_url"`
	// EgressCheckURL returns the observed egress address of the tunnel.
	EgressCheckURL string `toml:"egress_check_url"`
	// AllowedEgressCIDRs lists the anonymizing networks the tunnel must
	// egress through.
	AllowedEgressCIDRs []string `toml:"allowed_egress_cidrs"`
	// TunnelUserAgent is the fixed fingerprint for the tunneled identity.
	TunnelUserAgent string `toml:"tunnel_user_agent"`
	// DirectUserAgents is the rotation pool for the direct identity.
	DirectUserAgents []string `toml:"direct_user_agents"`
}

// PacingProfile describes request cadence for one identity.
type PacingProfile struct {
	BaseDelayMS       int     `toml:"base_delay_ms"`
	JitterFraction    float64 `toml:"jitter_fraction"`
	IdleEveryRequests int     `toml:"idle_every_requests"`
	IdlePauseMS       int     `toml:"idle_pause_ms"`
	SessionBudget     int     `toml:"session_budget"`
}

// Pacing contains the per-identity cadence profiles and failure backoff.
type Pacing struct {
	Tracker              PacingProfile `toml:"tracker"`
	Open                 PacingProfile `toml:"open"`
	FailureMultiplierCap float64       `toml:"failure_multiplier_cap"`
	ResetAfterSuccesses  int           `toml:"reset_after_successes"`
}

// DownloadClient contains the external download client control API settings.
type DownloadClient struct {
	BaseURL               string `toml:"base_url"`
	APIKey                string `toml:"api_key"`
	Category              string `toml:"category"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	PollIntervalSeconds   int    `toml:"poll_interval_seconds"`
	UnreachableAlertAfter int    `toml:"unreachable_alert_after"`
}

// Ratio contains account-health sampling and hysteresis thresholds.
// Resume thresholds must be strictly above their trip thresholds.
type Ratio struct {
	SampleIntervalSeconds int     `toml:"sample_interval_seconds"`
	ConserveTrip          float64 `toml:"conserve_trip"`
	ConserveResume        float64 `toml:"conserve_resume"`
	EmergencyTrip         float64 `toml:"emergency_trip"`
	EmergencyResume       float64 `toml:"emergency_resume"`
	ConserveConcurrency   int     `toml:"conserve_concurrency"`
	WedgeCostPoints       int64   `toml:"wedge_cost_points"`
}

// Workflow contains daemon timing, retry, and concurrency configuration.
type Workflow struct {
	QueuePollInterval    int `toml:"queue_poll_interval"`
	ErrorRetryInterval   int `toml:"error_retry_interval"`
	MaxConcurrentWorks   int `toml:"max_concurrent_works"`
	RetryBaseSeconds     int `toml:"retry_base_seconds"`
	RetryMaxSeconds      int `toml:"retry_max_seconds"`
	AttemptCap           int `toml:"attempt_cap"`
	DiscoveryMaxPages    int `toml:"discovery_max_pages"`
	PageFailureLimit     int `toml:"page_failure_limit"`
	SessionRefreshMargin int `toml:"session_refresh_margin_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config encapsulates all configuration values for bookfetch.
type Config struct {
	Paths          Paths          `toml:"paths"`
	Tracker        Tracker        `toml:"tracker"`
	Indexer        Indexer        `toml:"indexer"`
	Identity       Identity       `toml:"identity"`
	Pacing         Pacing         `toml:"pacing"`
	DownloadClient DownloadClient `toml:"download_client"`
	Ratio          Ratio          `toml:"ratio"`
	Workflow       Workflow       `toml:"workflow"`
	Logging        Logging        `toml:"logging"`
	Notifications  Notifications  `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/bookfetch/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("bookfetch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return err
	}
	c.Tracker.BaseURL = strings.TrimRight(strings.TrimSpace(c.Tracker.BaseURL), "/")
	c.Indexer.BaseURL = strings.TrimRight(strings.TrimSpace(c.Indexer.BaseURL), "/")
	c.DownloadClient.BaseURL = strings.TrimRight(strings.TrimSpace(c.DownloadClient.BaseURL), "/")
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
