package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks configuration invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return fmt.Errorf("paths.log_dir is required")
	}

	if c.Tracker.BaseURL != "" {
		if _, err := url.Parse(c.Tracker.BaseURL); err != nil {
			return fmt.Errorf("tracker.base_url: %w", err)
		}
	}
	if len(c.Tracker.AllowedPaths) == 0 {
		return fmt.Errorf("tracker.allowed_paths must not be empty")
	}

	if c.Identity.TunnelProxyURL != "" {
		if _, err := url.Parse(c.Identity.TunnelProxyURL); err != nil {
			return fmt.Errorf("identity.tunnel_proxy_url: %w", err)
		}
	}

	if err := validateProfile("pacing.tracker", c.Pacing.Tracker); err != nil {
		return err
	}
	if err := validateProfile("pacing.open", c.Pacing.Open); err != nil {
		return err
	}
	if c.Pacing.FailureMultiplierCap < 1 {
		return fmt.Errorf("pacing.failure_multiplier_cap must be >= 1")
	}
	if c.Pacing.ResetAfterSuccesses < 1 {
		return fmt.Errorf("pacing.reset_after_successes must be >= 1")
	}

	// Hysteresis: resume strictly above trip, or the guardian oscillates.
	if c.Ratio.ConserveResume <= c.Ratio.ConserveTrip {
		return fmt.Errorf("ratio.conserve_resume (%.2f) must be strictly above ratio.conserve_trip (%.2f)",
			c.Ratio.ConserveResume, c.Ratio.ConserveTrip)
	}
	if c.Ratio.EmergencyResume <= c.Ratio.EmergencyTrip {
		return fmt.Errorf("ratio.emergency_resume (%.2f) must be strictly above ratio.emergency_trip (%.2f)",
			c.Ratio.EmergencyResume, c.Ratio.EmergencyTrip)
	}
	if c.Ratio.EmergencyTrip >= c.Ratio.ConserveTrip {
		return fmt.Errorf("ratio.emergency_trip must be below ratio.conserve_trip")
	}

	if c.Workflow.AttemptCap < 1 {
		return fmt.Errorf("workflow.attempt_cap must be >= 1")
	}
	if c.Workflow.RetryBaseSeconds < 1 {
		return fmt.Errorf("workflow.retry_base_seconds must be >= 1")
	}
	if c.Workflow.RetryMaxSeconds < c.Workflow.RetryBaseSeconds {
		return fmt.Errorf("workflow.retry_max_seconds must be >= workflow.retry_base_seconds")
	}
	if c.Workflow.MaxConcurrentWorks < 1 {
		return fmt.Errorf("workflow.max_concurrent_works must be >= 1")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}

	return nil
}

func validateProfile(name string, profile PacingProfile) error {
	if profile.BaseDelayMS < 0 {
		return fmt.Errorf("%s.base_delay_ms must not be negative", name)
	}
	if profile.JitterFraction < 0 || profile.JitterFraction > 1 {
		return fmt.Errorf("%s.jitter_fraction must be within [0, 1]", name)
	}
	if profile.SessionBudget < 1 {
		return fmt.Errorf("%s.session_budget must be >= 1", name)
	}
	return nil
}
