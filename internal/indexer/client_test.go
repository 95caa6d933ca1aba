package indexer_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"bookfetch/internal/config"
	"bookfetch/internal/identity"
	"bookfetch/internal/indexer"
	"bookfetch/internal/logging"
	"bookfetch/internal/pacing"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
	"bookfetch/internal/testsupport"
)

func newTestClient(t *testing.T, handler http.Handler, mutate func(*config.Config)) *indexer.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithIndexerBaseURL(server.URL))
	if mutate != nil {
		mutate(cfg)
	}
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	transport, err := router.Acquire(identity.Direct)
	if err != nil {
		t.Fatalf("acquire direct: %v", err)
	}
	client, err := indexer.NewClient(cfg, transport, pacing.NewController(cfg), logging.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRequiresDirectIdentity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	tunneled, err := router.Acquire(identity.Tunneled)
	if err != nil {
		t.Fatalf("acquire tunneled: %v", err)
	}
	if _, err := indexer.NewClient(cfg, tunneled, pacing.NewController(cfg), logging.NewNop()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for tunneled identity, got %v", err)
	}
}

func TestNewClientRequiresEnabled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Indexer.Enabled = false
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	transport, err := router.Acquire(identity.Direct)
	if err != nil {
		t.Fatalf("acquire direct: %v", err)
	}
	if _, err := indexer.NewClient(cfg, transport, pacing.NewController(cfg), logging.NewNop()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error when disabled, got %v", err)
	}
}

func TestQueryParsesResults(t *testing.T) {
	var query url.Values
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query = r.URL.Query()
		w.Write([]byte(`{"results":[
			{"guid":"g-1","title":"The Stand","author":"Stephen King","format":"M4B 64kbps","size":1500000000,"seeders":9,"leechers":1,"freeleech":true,"abridged":false,"infoHash":"ABC123","downloadUrl":"http://example.test/dl/1"},
			{"guid":"g-2","title":"No Refs"}
		]}`))
	})
	client := newTestClient(t, handler, func(cfg *config.Config) {
		cfg.Indexer.APIKey = "key-1"
	})

	candidates, err := client.Query(context.Background(), "The Stand", "Stephen King")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("row without identifiers must be dropped, got %d", len(candidates))
	}

	got := candidates[0]
	if got.Source != release.SourceAggregator || got.SourceID != "g-1" {
		t.Fatalf("unexpected candidate: %#v", got)
	}
	if got.ContentID != "abc123" {
		t.Fatalf("info hash should be lowercased, got %q", got.ContentID)
	}
	if got.Abridged == nil || *got.Abridged {
		t.Fatalf("expected explicit unabridged flag, got %v", got.Abridged)
	}

	if query.Get("t") != "book" || query.Get("q") != "The Stand" || query.Get("author") != "Stephen King" {
		t.Fatalf("unexpected query params: %v", query)
	}
	if query.Get("apikey") != "key-1" {
		t.Fatalf("api key missing from query: %v", query)
	}
}

func TestQueryEmptyResultIsValid(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	client := newTestClient(t, handler, nil)

	candidates, err := client.Query(context.Background(), "Unknown", "")
	if err != nil {
		t.Fatalf("empty result must not error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestQueryRejectedKeyIsAuthError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestClient(t, handler, nil)

	if _, err := client.Query(context.Background(), "x", ""); !errors.Is(err, services.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestQueryServerFaultIsTransient(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client := newTestClient(t, handler, nil)

	if _, err := client.Query(context.Background(), "x", ""); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
