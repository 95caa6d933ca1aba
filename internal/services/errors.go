package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuth marks terminal authentication failures (bad credentials,
	// account lockout). Never retried.
	ErrAuth = errors.New("authentication error")
	// ErrIdentityIntegrity marks a fatal identity-isolation fault. Activity
	// on the affected identity halts; the router never degrades to an
	// unprotected route.
	ErrIdentityIntegrity = errors.New("identity integrity error")
	// ErrIntegrity marks a corrupt or unverifiable payload. Triggers
	// candidate re-selection rather than a blanket retry.
	ErrIntegrity = errors.New("integrity error")
	// ErrClientDown marks persistent download-client unreachability that has
	// escalated past per-task retries into a system-health alert.
	ErrClientDown    = errors.New("download client unreachable")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTerminal reports whether an error must not be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrIdentityIntegrity) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConfiguration)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
