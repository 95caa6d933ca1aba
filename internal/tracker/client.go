package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/identity"
	"bookfetch/internal/logging"
	"bookfetch/internal/pacing"
	"bookfetch/internal/ratio"
	"bookfetch/internal/services"
	"bookfetch/internal/session"
)

const (
	searchPath   = "/tor/js/loadSearchJSONbasic.php"
	summaryPath  = "/jsonLoad.php"
	bonusBuyPath = "/json/bonusBuy.php"
)

// Client fetches tracker resources through the tunneled identity.
type Client struct {
	baseURL   string
	transport *identity.Transport
	session   *session.Manager
	pacer     *pacing.Controller
	allowlist *Allowlist
	logger    *slog.Logger
}

// NewClient builds a tracker client. The transport must be the tunneled
// identity; the constructor refuses anything else.
func NewClient(cfg *config.Config, transport *identity.Transport, sess *session.Manager, pacer *pacing.Controller, logger *slog.Logger) (*Client, error) {
	if transport.Kind() != identity.Tunneled {
		return nil, services.Wrap(services.ErrValidation, "tracker", "new client", "tracker traffic requires the tunneled identity", nil)
	}
	return &Client{
		baseURL:   cfg.Tracker.BaseURL,
		transport: transport,
		session:   sess,
		pacer:     pacer,
		allowlist: NewAllowlist(cfg.Tracker.AllowedPaths),
		logger:    logging.NewComponentLogger(logger, "tracker"),
	}, nil
}

// fetch performs one allow-listed, paced, authenticated GET. A 401/403 from
// a believed-valid session triggers exactly one re-auth and one retry of the
// request before the failure propagates.
func (c *Client) fetch(ctx context.Context, requestPath string, query url.Values) ([]byte, error) {
	if err := c.allowlist.Check(requestPath); err != nil {
		return nil, err
	}

	body, status, err := c.fetchOnce(ctx, requestPath, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if reauthErr := c.session.OnDeauthenticated(ctx); reauthErr != nil {
			return nil, reauthErr
		}
		body, status, err = c.fetchOnce(ctx, requestPath, query)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, services.Wrap(services.ErrTransient, "tracker", "fetch", fmt.Sprintf("%s returned %d", requestPath, status), nil)
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, requestPath string, query url.Values) ([]byte, int, error) {
	if err := c.waitForSlot(ctx); err != nil {
		return nil, 0, err
	}
	if err := c.session.EnsureValid(ctx); err != nil {
		return nil, 0, err
	}

	endpoint := c.baseURL + requestPath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	c.session.ApplyAuth(req)

	resp, err := c.transport.Client().Do(req)
	if err != nil {
		c.pacer.OnFailure(identity.Tunneled)
		return nil, 0, services.Wrap(services.ErrTransient, "tracker", "fetch", requestPath, err)
	}
	defer resp.Body.Close()
	c.pacer.OnSuccess(identity.Tunneled)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, services.Wrap(services.ErrTransient, "tracker", "read body", requestPath, err)
	}
	return body, resp.StatusCode, nil
}

// waitForSlot blocks for pacing; an exhausted session budget forces a
// session rotation (rest) before the request may proceed.
func (c *Client) waitForSlot(ctx context.Context) error {
	err := c.pacer.WaitForSlot(ctx, identity.Tunneled)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pacing.ErrSessionBudget) {
		return err
	}

	c.logger.Info("session request budget spent; rotating session",
		logging.String(logging.FieldEventType, "session_budget"),
	)
	c.session.Invalidate(ctx)
	c.pacer.ResetSession(identity.Tunneled)
	if err := c.session.Login(ctx); err != nil {
		return err
	}
	return c.pacer.WaitForSlot(ctx, identity.Tunneled)
}

// Snapshot polls account health. Implements the guardian's Sampler contract.
func (c *Client) Snapshot(ctx context.Context) (ratio.Snapshot, error) {
	body, err := c.fetch(ctx, summaryPath, url.Values{"snatch_summary": []string{"true"}})
	if err != nil {
		return ratio.Snapshot{}, err
	}

	var payload struct {
		Ratio        float64 `json:"ratio"`
		SeedBonus    int64   `json:"seedbonus"`
		Wedges       int     `json:"wedges"`
		SeedingCount int     `json:"seeding"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ratio.Snapshot{}, services.Wrap(services.ErrTransient, "tracker", "decode summary", "", err)
	}
	return ratio.Snapshot{
		Ratio:           payload.Ratio,
		BonusPoints:     payload.SeedBonus,
		FreeleechWedges: payload.Wedges,
		SeedingCount:    payload.SeedingCount,
		SampledAt:       time.Now().UTC(),
	}, nil
}

// BuyUploadCredit converts bonus points into upload credit, the emergency
// lever for a collapsing ratio.
func (c *Client) BuyUploadCredit(ctx context.Context, points int64) error {
	body, err := c.fetch(ctx, bonusBuyPath, url.Values{
		"spendtype": []string{"upload"},
		"amount":    []string{fmt.Sprintf("%d", points)},
	})
	if err != nil {
		return err
	}
	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return services.Wrap(services.ErrTransient, "tracker", "decode bonus buy", "", err)
	}
	if !payload.Success {
		return services.Wrap(services.ErrValidation, "tracker", "bonus buy", payload.Error, nil)
	}
	c.logger.Info("converted bonus points to upload credit",
		logging.Int64("points", points),
		logging.String(logging.FieldEventType, "bonus_converted"),
	)
	return nil
}
