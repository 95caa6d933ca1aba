package tracker

import (
	"path"
	"strings"

	"bookfetch/internal/services"
)

// Allowlist restricts which tracker paths may ever be fetched. Patterns use
// path.Match syntax; a trailing "/*" also matches nested segments.
type Allowlist struct {
	patterns []string
}

// NewAllowlist builds an allow-list from configured patterns.
func NewAllowlist(patterns []string) *Allowlist {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		cleaned = append(cleaned, p)
	}
	return &Allowlist{patterns: cleaned}
}

// Allowed reports whether the request path matches any pattern.
func (a *Allowlist) Allowed(requestPath string) bool {
	requestPath = strings.TrimSpace(requestPath)
	if requestPath == "" {
		return false
	}
	if !strings.HasPrefix(requestPath, "/") {
		requestPath = "/" + requestPath
	}
	for _, pattern := range a.patterns {
		if ok, err := path.Match(pattern, requestPath); err == nil && ok {
			return true
		}
		if strings.HasSuffix(pattern, "/*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(requestPath, prefix) {
				return true
			}
		}
	}
	return false
}

// Check returns a validation error for paths outside the allow-list.
func (a *Allowlist) Check(requestPath string) error {
	if a.Allowed(requestPath) {
		return nil
	}
	return services.Wrap(services.ErrValidation, "tracker", "allowlist", "refusing non-allow-listed path "+requestPath, nil)
}
