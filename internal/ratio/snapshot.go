package ratio

import "time"

// Snapshot is a point-in-time view of account health, sampled independently
// of task activity.
type Snapshot struct {
	// Ratio is the account's upload/download accounting metric.
	Ratio float64
	// BonusPoints is the spendable bonus currency balance.
	BonusPoints int64
	// FreeleechWedges counts tokens that exempt a download from ratio cost.
	FreeleechWedges int
	// SeedingCount is the number of actively seeded releases.
	SeedingCount int

	SampledAt time.Time
}
