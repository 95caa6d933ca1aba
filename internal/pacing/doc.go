// Package pacing enforces per-identity request cadence: base delay with
// jitter, failure backoff with a capped multiplier, occasional human-like
// idle pauses, and a per-session request budget that backpressures runaway
// crawling into a session rotation.
package pacing
