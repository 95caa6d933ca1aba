// Package logging builds slog loggers with the console and JSON handlers
// shared across the daemon, plus standardized field keys and attr helpers.
package logging
