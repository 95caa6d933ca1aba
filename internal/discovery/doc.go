// Package discovery finds release candidates for a target work. The
// aggregator is queried first; the tracker's paged search is the fallback,
// with per-page checkpoints so an interrupted search resumes where it
// stopped instead of re-spending paced requests.
package discovery
