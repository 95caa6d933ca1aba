package release

import (
	"strings"
)

// Source identifies which boundary produced a candidate.
type Source string

const (
	SourceAggregator Source = "aggregator"
	SourceTracker    Source = "tracker"
)

// BitrateTier buckets encodings into a comparable quality ladder. Unknown
// sorts below every known tier.
type BitrateTier int

const (
	TierUnknown  BitrateTier = 0
	TierLow      BitrateTier = 1
	TierStandard BitrateTier = 2
	TierHigh     BitrateTier = 3
	TierLossless BitrateTier = 4
)

// ParseBitrateTier maps a source-reported format/bitrate string onto a tier.
func ParseBitrateTier(value string) BitrateTier {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch {
	case normalized == "":
		return TierUnknown
	case strings.Contains(normalized, "flac"), strings.Contains(normalized, "lossless"):
		return TierLossless
	case strings.Contains(normalized, "320"), strings.Contains(normalized, "v0"):
		return TierHigh
	case strings.Contains(normalized, "128"), strings.Contains(normalized, "96"), strings.Contains(normalized, "64"):
		return TierLow
	case strings.Contains(normalized, "mp3"), strings.Contains(normalized, "m4b"), strings.Contains(normalized, "192"), strings.Contains(normalized, "256"):
		return TierStandard
	default:
		return TierUnknown
	}
}

// Candidate is one discovered release of a target work.
type Candidate struct {
	// SourceID uniquely identifies the release at its source and is the
	// final deterministic tie-break during selection.
	SourceID string `json:"source_id"`
	Source   Source `json:"source"`

	Title  string `json:"title"`
	Author string `json:"author"`

	Format      string      `json:"format,omitempty"`
	BitrateTier BitrateTier `json:"bitrate_tier"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
	Seeders     int         `json:"seeders"`
	Leechers    int         `json:"leechers"`

	// Freeleech releases do not count against the account's download ratio.
	Freeleech bool `json:"freeleech"`

	// Abridged is nil when the source did not report edition information.
	Abridged *bool `json:"abridged,omitempty"`

	// ContentID is the content-addressed identifier (info hash) used for
	// download deduplication.
	ContentID string `json:"content_id"`
	// DownloadRef is the reference handed to the download client.
	DownloadRef string `json:"download_ref"`
}

// IsAbridged reports whether the release is a known abridged edition.
// Unknown edition information is treated as unabridged for ranking.
func (c Candidate) IsAbridged() bool {
	return c.Abridged != nil && *c.Abridged
}

// Valid reports whether the candidate carries the minimum fields the
// pipeline needs downstream.
func (c Candidate) Valid() bool {
	return strings.TrimSpace(c.SourceID) != "" &&
		strings.TrimSpace(c.ContentID) != "" &&
		strings.TrimSpace(c.DownloadRef) != ""
}

// AbridgedFlag is a convenience for building candidates in boundary parsers
// and tests.
func AbridgedFlag(v bool) *bool { return &v }
