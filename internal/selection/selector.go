package selection

import (
	"sort"

	"bookfetch/internal/release"
	"bookfetch/internal/services"
)

// Policy narrows the eligible candidate set. The guardian tightens it while
// account health is degraded.
type Policy struct {
	// FreeOnly admits only freeleech releases.
	FreeOnly bool
}

// Rank orders candidates best-first by the preference ladder:
// unabridged over abridged, then higher bitrate tier, then freeleech over
// costed, then more seeders, then ascending source id as the final
// tie-break. The input slice is not modified.
func Rank(candidates []release.Candidate, policy Policy) []release.Candidate {
	eligible := make([]release.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Valid() {
			continue
		}
		if policy.FreeOnly && !c.Freeleech {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return less(eligible[i], eligible[j])
	})
	return eligible
}

// Select returns the single best candidate under the policy.
func Select(candidates []release.Candidate, policy Policy) (release.Candidate, error) {
	ranked := Rank(candidates, policy)
	if len(ranked) == 0 {
		return release.Candidate{}, services.Wrap(services.ErrNotFound, "selection", "select", "no eligible candidates", nil)
	}
	return ranked[0], nil
}

// less implements the lexicographic ladder. Every rung is a strict
// comparison so the total order is unambiguous.
func less(a, b release.Candidate) bool {
	if a.IsAbridged() != b.IsAbridged() {
		return !a.IsAbridged()
	}
	if a.BitrateTier != b.BitrateTier {
		return a.BitrateTier > b.BitrateTier
	}
	if a.Freeleech != b.Freeleech {
		return a.Freeleech
	}
	if a.Seeders != b.Seeders {
		return a.Seeders > b.Seeders
	}
	return a.SourceID < b.SourceID
}
