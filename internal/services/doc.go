// Package services provides the shared error taxonomy, retry helpers, and
// context plumbing used by every boundary client and workflow stage.
package services
