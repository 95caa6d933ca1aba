// Package config loads, validates, and defaults the TOML configuration for
// the bookfetch daemon. Pacing cadences, retry caps, and ratio thresholds are
// deployment policy: everything tunable lives here, with safe defaults.
package config
