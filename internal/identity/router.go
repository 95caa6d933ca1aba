package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/services"
)

// Kind selects one of the two isolated identities.
type Kind string

const (
	// Tunneled carries tracker traffic through the configured proxy with a
	// fixed fingerprint.
	Tunneled Kind = "tunneled"
	// Direct carries open-web metadata traffic with a rotating fingerprint.
	Direct Kind = "direct"
)

// Transport is an identity-bound HTTP client handle.
type Transport struct {
	kind   Kind
	client *http.Client
}

// Kind returns the identity this transport is bound to.
func (t *Transport) Kind() Kind { return t.kind }

// Client returns the identity's HTTP client. Callers must not share it with
// the other identity.
func (t *Transport) Client() *http.Client { return t.client }

// Router owns the two identities and enforces their isolation.
type Router struct {
	mu       sync.RWMutex
	tunneled *Transport
	direct   *Transport

	egressCheckURL string
	allowedEgress  []*net.IPNet

	// tunnelDisabled is set permanently after an egress integrity failure.
	tunnelDisabled bool
}

// NewRouter builds the two identity transports from configuration. Each
// identity gets its own http.Transport so connection pools are never shared.
func NewRouter(cfg *config.Config) (*Router, error) {
	tunnelTransport := &http.Transport{
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	if proxyRaw := strings.TrimSpace(cfg.Identity.TunnelProxyURL); proxyRaw != "" {
		proxyURL, err := url.Parse(proxyRaw)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "identity", "parse proxy", cfg.Identity.TunnelProxyURL, err)
		}
		tunnelTransport.Proxy = http.ProxyURL(proxyURL)
	}

	allowed := make([]*net.IPNet, 0, len(cfg.Identity.AllowedEgressCIDRs))
	for _, cidr := range cfg.Identity.AllowedEgressCIDRs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "identity", "parse egress cidr", cidr, err)
		}
		allowed = append(allowed, network)
	}

	tunneledFingerprint := fixedFingerprint(cfg.Identity.TunnelUserAgent)
	directPool := rotatingFingerprints(cfg.Identity.DirectUserAgents)

	tunneled := &Transport{
		kind: Tunneled,
		client: &http.Client{
			Transport: &fingerprintRoundTripper{next: tunnelTransport, pick: tunneledFingerprint},
			Timeout:   60 * time.Second,
		},
	}
	direct := &Transport{
		kind: Direct,
		client: &http.Client{
			Transport: &fingerprintRoundTripper{
				next: &http.Transport{
					MaxIdleConns:        8,
					IdleConnTimeout:     90 * time.Second,
					TLSHandshakeTimeout: 15 * time.Second,
				},
				pick: directPool,
			},
			Timeout: 60 * time.Second,
		},
	}

	return &Router{
		tunneled:       tunneled,
		direct:         direct,
		egressCheckURL: strings.TrimSpace(cfg.Identity.EgressCheckURL),
		allowedEgress:  allowed,
	}, nil
}

// Acquire returns the transport bound to the requested identity. The
// tunneled identity is unavailable after an egress integrity failure.
func (r *Router) Acquire(kind Kind) (*Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case Tunneled:
		if r.tunnelDisabled {
			return nil, services.Wrap(services.ErrIdentityIntegrity, "identity", "acquire", "tunneled route disabled after egress validation failure", nil)
		}
		return r.tunneled, nil
	case Direct:
		return r.direct, nil
	default:
		return nil, services.Wrap(services.ErrValidation, "identity", "acquire", fmt.Sprintf("unknown identity kind %q", kind), nil)
	}
}

type egressResponse struct {
	IP string `json:"IP"`
}

// ValidateEgress confirms the tunneled transport's observed egress address
// sits inside an allow-listed anonymizing network. A mismatch permanently
// disables the tunneled route: tracker traffic is never silently moved onto
// the direct route.
func (r *Router) ValidateEgress(ctx context.Context) error {
	if r.egressCheckURL == "" {
		return services.Wrap(services.ErrConfiguration, "identity", "validate egress", "egress check url not configured", nil)
	}
	if len(r.allowedEgress) == 0 {
		return services.Wrap(services.ErrConfiguration, "identity", "validate egress", "no allowed egress networks configured", nil)
	}

	transport, err := r.Acquire(Tunneled)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.egressCheckURL, nil)
	if err != nil {
		return fmt.Errorf("build egress check request: %w", err)
	}
	resp, err := transport.Client().Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "identity", "egress check", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return services.Wrap(services.ErrTransient, "identity", "egress check", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return services.Wrap(services.ErrTransient, "identity", "egress check", "read body", err)
	}

	ip := parseEgressIP(body)
	if ip == nil {
		return services.Wrap(services.ErrTransient, "identity", "egress check", "unparseable response", nil)
	}

	for _, network := range r.allowedEgress {
		if network.Contains(ip) {
			return nil
		}
	}

	r.disableTunnel()
	return services.Wrap(services.ErrIdentityIntegrity, "identity", "validate egress",
		fmt.Sprintf("egress %s is outside every allowed network", ip), nil)
}

func (r *Router) disableTunnel() {
	r.mu.Lock()
	r.tunnelDisabled = true
	r.mu.Unlock()
}

// TunnelDisabled reports whether the tunneled route has been shut down.
func (r *Router) TunnelDisabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnelDisabled
}

func parseEgressIP(body []byte) net.IP {
	var payload egressResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.IP != "" {
		return net.ParseIP(strings.TrimSpace(payload.IP))
	}
	return net.ParseIP(strings.TrimSpace(string(body)))
}
