package identity

import (
	"math/rand"
	"net/http"
	"sync"
)

// Fingerprint is the header set presented by one identity.
type Fingerprint struct {
	UserAgent      string
	AcceptLanguage string
	Accept         string
}

func (f Fingerprint) apply(req *http.Request) {
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if f.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", f.AcceptLanguage)
	}
	if f.Accept != "" {
		req.Header.Set("Accept", f.Accept)
	}
}

// fingerprintRoundTripper injects identity headers on every request. The
// pick function decides whether the fingerprint is fixed or rotating.
type fingerprintRoundTripper struct {
	next http.RoundTripper
	pick func() Fingerprint
}

func (rt *fingerprintRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	rt.pick().apply(clone)
	return rt.next.RoundTrip(clone)
}

// fixedFingerprint returns a picker that always yields the same fingerprint.
// The tunneled identity keeps one fingerprint for its whole session lifetime.
func fixedFingerprint(userAgent string) func() Fingerprint {
	fp := Fingerprint{
		UserAgent:      userAgent,
		AcceptLanguage: "en-US,en;q=0.9",
		Accept:         "application/json, text/html;q=0.9, */*;q=0.8",
	}
	return func() Fingerprint { return fp }
}

// rotatingFingerprints returns a picker drawing from the pool at random.
func rotatingFingerprints(userAgents []string) func() Fingerprint {
	if len(userAgents) == 0 {
		return fixedFingerprint("")
	}
	languages := []string{"en-US,en;q=0.9", "en-GB,en;q=0.8", "en-US,en;q=0.5"}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(rand.Int63()))
	return func() Fingerprint {
		mu.Lock()
		defer mu.Unlock()
		return Fingerprint{
			UserAgent:      userAgents[rng.Intn(len(userAgents))],
			AcceptLanguage: languages[rng.Intn(len(languages))],
			Accept:         "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8",
		}
	}
}
