package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// persistedState is the serialized auth state for one identity.
type persistedState struct {
	Identity  string            `json:"identity"`
	Token     string            `json:"token,omitempty"`
	Cookies   []persistedCookie `json:"cookies,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type persistedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

func (s persistedState) cookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
		})
	}
	return out
}

func toPersistedCookies(cookies []*http.Cookie) []persistedCookie {
	out := make([]persistedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, persistedCookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
		})
	}
	return out
}

// StateStore abstracts persistence for session auth state.
type StateStore interface {
	Load() (persistedState, error)
	Save(persistedState) error
}

// FileStateStore writes session state to a JSON file on disk.
type FileStateStore struct {
	path string
}

// NewFileStateStore builds a FileStateStore rooted at the provided path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Load reads session state from disk. A missing file resolves to an empty
// state.
func (s *FileStateStore) Load() (persistedState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistedState{}, nil
		}
		return persistedState{}, fmt.Errorf("read session state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return persistedState{}, fmt.Errorf("decode session state: %w", err)
	}
	return state, nil
}

// Save persists session state to disk with restricted permissions.
func (s *FileStateStore) Save(state persistedState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure session state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}
