package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bookfetch/internal/identity"
	"bookfetch/internal/logging"
	"bookfetch/internal/pacing"
	"bookfetch/internal/services"
)

// State is the session lifecycle state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateActive          State = "active"
	StateInvalidated     State = "invalidated"
)

// Credentials are the tracker login inputs.
type Credentials struct {
	Username string
	Password string
}

// Endpoints names the tracker paths the manager touches.
type Endpoints struct {
	Login  string
	Logout string
	// Probe is a cheap authenticated endpoint used to verify restored and
	// refreshed sessions.
	Probe string
}

// DefaultEndpoints returns the standard tracker session paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:  "/takelogin.php",
		Logout: "/logout.php",
		Probe:  "/jsonLoad.php",
	}
}

// Manager keeps one usable session for one identity.
type Manager struct {
	mu sync.Mutex

	kind      identity.Kind
	state     State
	token     string
	cookies   []*http.Cookie
	expiresAt time.Time
	// reauthSpent guards the one-re-auth-per-deauthentication rule. It is
	// cleared on every successful login.
	reauthSpent bool

	baseURL       string
	creds         Credentials
	transport     *identity.Transport
	pacer         *pacing.Controller
	store         StateStore
	endpoints     Endpoints
	refreshMargin time.Duration
	logger        *slog.Logger
}

// NewManager builds a session manager bound to one identity transport.
func NewManager(kind identity.Kind, baseURL string, creds Credentials, transport *identity.Transport, pacer *pacing.Controller, store StateStore, refreshMargin time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		kind:          kind,
		state:         StateUnauthenticated,
		baseURL:       strings.TrimRight(baseURL, "/"),
		creds:         creds,
		transport:     transport,
		pacer:         pacer,
		store:         store,
		endpoints:     DefaultEndpoints(),
		refreshMargin: refreshMargin,
		logger:        logging.NewComponentLogger(logger, "session"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

type loginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Message   string `json:"message"`
}

// Login authenticates against the tracker. Bad credentials and lockouts are
// terminal; transport faults are transient and may be retried by the caller.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateAuthenticating {
		m.mu.Unlock()
		return services.Wrap(services.ErrTransient, "session", "login", "authentication already in progress", nil)
	}
	m.state = StateAuthenticating
	m.mu.Unlock()

	err := m.doLogin(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateUnauthenticated
		return err
	}
	m.state = StateActive
	m.reauthSpent = false
	return nil
}

func (m *Manager) doLogin(ctx context.Context) error {
	if err := m.pacer.WaitForSlot(ctx, m.kind); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("username", m.creds.Username)
	form.Set("password", m.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+m.endpoints.Login, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.transport.Client().Do(req)
	if err != nil {
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrTransient, "session", "login", "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		m.pacer.OnSuccess(m.kind)
		return services.Wrap(services.ErrAuth, "session", "login", "credentials rejected", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusLocked:
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrAuth, "session", "login", "account locked out", nil)
	case resp.StatusCode >= 500:
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrTransient, "session", "login", fmt.Sprintf("status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrTransient, "session", "login", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrTransient, "session", "login", "decode response", err)
	}
	if !payload.Success {
		m.pacer.OnSuccess(m.kind)
		return services.Wrap(services.ErrAuth, "session", "login", strings.TrimSpace(payload.Message), nil)
	}
	m.pacer.OnSuccess(m.kind)

	m.mu.Lock()
	m.token = payload.Token
	m.cookies = resp.Cookies()
	if payload.ExpiresIn > 0 {
		m.expiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	} else {
		m.expiresAt = time.Now().Add(24 * time.Hour)
	}
	m.mu.Unlock()

	m.logger.Info("session established",
		logging.String(logging.FieldIdentity, string(m.kind)),
		logging.String(logging.FieldEventType, "session_login"),
	)
	return m.Persist()
}

// EnsureValid guarantees an ACTIVE session, refreshing proactively before
// expiry and logging in when no session exists.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	needsRefresh := state == StateActive && time.Until(m.expiresAt) < m.refreshMargin
	m.mu.Unlock()

	switch {
	case state == StateActive && !needsRefresh:
		return nil
	case state == StateActive && needsRefresh:
		if err := m.refresh(ctx); err == nil {
			return nil
		}
		// Refresh failed; fall through to a fresh login.
		fallthrough
	default:
		return m.Login(ctx)
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	if err := m.pacer.WaitForSlot(ctx, m.kind); err != nil {
		return err
	}
	resp, err := m.authedGet(ctx, m.endpoints.Probe)
	if err != nil {
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrTransient, "session", "refresh", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		m.pacer.OnFailure(m.kind)
		return services.Wrap(services.ErrTransient, "session", "refresh", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	m.pacer.OnSuccess(m.kind)

	m.mu.Lock()
	m.expiresAt = time.Now().Add(24 * time.Hour)
	m.mu.Unlock()
	m.logger.Debug("session refreshed", logging.String(logging.FieldIdentity, string(m.kind)))
	return m.Persist()
}

// OnDeauthenticated handles a server-reported de-authentication despite a
// believed-valid session. The session is invalidated and exactly one re-auth
// is attempted; a second de-authentication before any successful login
// surfaces the failure instead of looping.
func (m *Manager) OnDeauthenticated(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateInvalidated
	m.token = ""
	m.cookies = nil
	if m.reauthSpent {
		m.mu.Unlock()
		return services.Wrap(services.ErrAuth, "session", "reauth", "re-authentication already attempted for this session", nil)
	}
	m.reauthSpent = true
	m.mu.Unlock()

	m.logger.Warn("session de-authenticated by server; attempting single re-auth",
		logging.String(logging.FieldIdentity, string(m.kind)),
		logging.String(logging.FieldEventType, "session_deauth"),
	)
	return m.Login(ctx)
}

// Invalidate explicitly ends the session (logout).
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	hadSession := m.state == StateActive
	m.state = StateInvalidated
	m.token = ""
	m.cookies = nil
	m.mu.Unlock()

	if hadSession {
		if resp, err := m.authedGet(ctx, m.endpoints.Logout); err == nil {
			resp.Body.Close()
		}
	}
	_ = m.store.Save(persistedState{Identity: string(m.kind), UpdatedAt: time.Now().UTC()})
}

// ApplyAuth attaches the session's token and cookies to an outgoing request.
func (m *Manager) ApplyAuth(req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	for _, cookie := range m.cookies {
		req.AddCookie(cookie)
	}
}

// Persist serializes the current token and cookies for restart recovery.
func (m *Manager) Persist() error {
	m.mu.Lock()
	state := persistedState{
		Identity:  string(m.kind),
		Token:     m.token,
		Cookies:   toPersistedCookies(m.cookies),
		ExpiresAt: m.expiresAt,
		UpdatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()
	return m.store.Save(state)
}

// Restore loads persisted auth state and verifies it with one cheap
// authenticated probe before trusting it. An unusable state is discarded and
// the manager stays unauthenticated.
func (m *Manager) Restore(ctx context.Context) error {
	state, err := m.store.Load()
	if err != nil {
		return err
	}
	if state.Token == "" && len(state.Cookies) == 0 {
		return nil
	}
	if !state.ExpiresAt.IsZero() && time.Now().After(state.ExpiresAt) {
		return nil
	}

	m.mu.Lock()
	m.token = state.Token
	m.cookies = state.cookies()
	m.expiresAt = state.ExpiresAt
	m.mu.Unlock()

	if err := m.pacer.WaitForSlot(ctx, m.kind); err != nil {
		return err
	}
	resp, err := m.authedGet(ctx, m.endpoints.Probe)
	if err != nil {
		m.pacer.OnFailure(m.kind)
		m.discard()
		return services.Wrap(services.ErrTransient, "session", "restore probe", "", err)
	}
	defer resp.Body.Close()
	m.pacer.OnSuccess(m.kind)

	if resp.StatusCode != http.StatusOK {
		m.discard()
		m.logger.Debug("restored session rejected by probe",
			logging.Int("status", resp.StatusCode),
			logging.String(logging.FieldIdentity, string(m.kind)),
		)
		return nil
	}

	m.mu.Lock()
	m.state = StateActive
	m.reauthSpent = false
	m.mu.Unlock()
	m.logger.Info("session restored",
		logging.String(logging.FieldIdentity, string(m.kind)),
		logging.String(logging.FieldEventType, "session_restore"),
	)
	return nil
}

func (m *Manager) discard() {
	m.mu.Lock()
	m.token = ""
	m.cookies = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()
}

func (m *Manager) authedGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	m.ApplyAuth(req)
	return m.transport.Client().Do(req)
}
