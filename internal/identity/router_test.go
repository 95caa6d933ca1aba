package identity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bookfetch/internal/identity"
	"bookfetch/internal/services"
	"bookfetch/internal/testsupport"
)

func TestAcquireReturnsIsolatedTransports(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	tunneled, err := router.Acquire(identity.Tunneled)
	if err != nil {
		t.Fatalf("acquire tunneled: %v", err)
	}
	direct, err := router.Acquire(identity.Direct)
	if err != nil {
		t.Fatalf("acquire direct: %v", err)
	}

	if tunneled.Kind() != identity.Tunneled || direct.Kind() != identity.Direct {
		t.Fatalf("transports report wrong kinds: %s / %s", tunneled.Kind(), direct.Kind())
	}
	if tunneled.Client() == direct.Client() {
		t.Fatal("identities must not share an http.Client")
	}
	if tunneled.Client().Transport == direct.Client().Transport {
		t.Fatal("identities must not share a connection pool")
	}
}

func TestAcquireUnknownKind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	if _, err := router.Acquire(identity.Kind("carrier-pigeon")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewRouterRejectsBadCIDR(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Identity.AllowedEgressCIDRs = []string{"not-a-network"}
	if _, err := identity.NewRouter(cfg); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTunneledFingerprintIsFixed(t *testing.T) {
	seen := make(map[string]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Header.Get("User-Agent")]++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.TunnelUserAgent = "fixed-agent/1.0"
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	transport, err := router.Acquire(identity.Tunneled)
	if err != nil {
		t.Fatalf("acquire tunneled: %v", err)
	}

	for i := 0; i < 5; i++ {
		resp, err := transport.Client().Get(server.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if len(seen) != 1 || seen["fixed-agent/1.0"] != 5 {
		t.Fatalf("tunneled identity must present one fixed fingerprint, saw %v", seen)
	}
}

func TestDirectFingerprintDrawsFromPool(t *testing.T) {
	pool := map[string]bool{"agent-a": true, "agent-b": true, "agent-c": true}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pool[r.Header.Get("User-Agent")] {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.DirectUserAgents = []string{"agent-a", "agent-b", "agent-c"}
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	transport, err := router.Acquire(identity.Direct)
	if err != nil {
		t.Fatalf("acquire direct: %v", err)
	}

	for i := 0; i < 10; i++ {
		resp, err := transport.Client().Get(server.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
}

func TestValidateEgressAcceptsAllowedNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"IP":"10.20.30.40"}`))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.EgressCheckURL = server.URL
	cfg.Identity.AllowedEgressCIDRs = []string{"10.0.0.0/8"}
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	if err := router.ValidateEgress(context.Background()); err != nil {
		t.Fatalf("ValidateEgress failed: %v", err)
	}
	if router.TunnelDisabled() {
		t.Fatal("tunnel should stay enabled after a passing check")
	}
}

func TestValidateEgressParsesPlainTextBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("10.1.2.3\n"))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.EgressCheckURL = server.URL
	cfg.Identity.AllowedEgressCIDRs = []string{"10.0.0.0/8"}
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	if err := router.ValidateEgress(context.Background()); err != nil {
		t.Fatalf("ValidateEgress failed: %v", err)
	}
}

func TestValidateEgressMismatchDisablesTunnelPermanently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"IP":"203.0.113.7"}`))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.EgressCheckURL = server.URL
	cfg.Identity.AllowedEgressCIDRs = []string{"10.0.0.0/8"}
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	err = router.ValidateEgress(context.Background())
	if !errors.Is(err, services.ErrIdentityIntegrity) {
		t.Fatalf("expected identity integrity error, got %v", err)
	}
	if !router.TunnelDisabled() {
		t.Fatal("tunnel must be disabled after a mismatch")
	}

	// The tunneled route stays down; the direct route is unaffected.
	if _, err := router.Acquire(identity.Tunneled); !errors.Is(err, services.ErrIdentityIntegrity) {
		t.Fatalf("tunneled acquire should fail, got %v", err)
	}
	if _, err := router.Acquire(identity.Direct); err != nil {
		t.Fatalf("direct acquire should survive: %v", err)
	}
}

func TestValidateEgressTransientFailureKeepsTunnel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.EgressCheckURL = server.URL
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	if err := router.ValidateEgress(context.Background()); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if router.TunnelDisabled() {
		t.Fatal("an unreachable check endpoint must not disable the tunnel")
	}
}
