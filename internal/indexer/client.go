package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/identity"
	"bookfetch/internal/logging"
	"bookfetch/internal/pacing"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
)

// Client talks to the aggregator's release search API.
type Client struct {
	baseURL   string
	apiKey    string
	timeout   time.Duration
	transport *identity.Transport
	pacer     *pacing.Controller
	logger    *slog.Logger
}

// NewClient builds an aggregator client on the direct identity.
func NewClient(cfg *config.Config, transport *identity.Transport, pacer *pacing.Controller, logger *slog.Logger) (*Client, error) {
	if !cfg.Indexer.Enabled {
		return nil, services.Wrap(services.ErrConfiguration, "indexer", "new client", "indexer is disabled", nil)
	}
	if transport.Kind() != identity.Direct {
		return nil, services.Wrap(services.ErrValidation, "indexer", "new client", "aggregator traffic requires the direct identity", nil)
	}
	timeout := time.Duration(cfg.Indexer.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.Indexer.BaseURL, "/"),
		apiKey:    cfg.Indexer.APIKey,
		timeout:   timeout,
		transport: transport,
		pacer:     pacer,
		logger:    logging.NewComponentLogger(logger, "indexer"),
	}, nil
}

type queryResponse struct {
	Results []queryResult `json:"results"`
}

type queryResult struct {
	GUID      string `json:"guid"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Format    string `json:"format"`
	Size      int64  `json:"size"`
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	Freeleech bool   `json:"freeleech"`
	Abridged  *bool  `json:"abridged"`
	InfoHash  string `json:"infoHash"`
	Download  string `json:"downloadUrl"`
}

// Query searches the aggregator for releases of a work. An empty slice is a
// valid result; errors signal the caller to fall back to the direct source.
func (c *Client) Query(ctx context.Context, title, author string) ([]release.Candidate, error) {
	if err := c.pacer.WaitForSlot(ctx, identity.Direct); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("t", "book")
	params.Set("q", strings.TrimSpace(title))
	if author != "" {
		params.Set("author", strings.TrimSpace(author))
	}
	params.Set("apikey", c.apiKey)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.transport.Client().Do(req)
	if err != nil {
		c.pacer.OnFailure(identity.Direct)
		return nil, services.Wrap(services.ErrTransient, "indexer", "query", "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.pacer.OnSuccess(identity.Direct)
		return nil, services.Wrap(services.ErrAuth, "indexer", "query", "api key rejected", nil)
	case resp.StatusCode != http.StatusOK:
		c.pacer.OnFailure(identity.Direct)
		return nil, services.Wrap(services.ErrTransient, "indexer", "query", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	c.pacer.OnSuccess(identity.Direct)

	var payload queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, services.Wrap(services.ErrTransient, "indexer", "decode query", "", err)
	}

	candidates := make([]release.Candidate, 0, len(payload.Results))
	for _, row := range payload.Results {
		candidate := release.Candidate{
			SourceID:    row.GUID,
			Source:      release.SourceAggregator,
			Title:       strings.TrimSpace(row.Title),
			Author:      strings.TrimSpace(row.Author),
			Format:      row.Format,
			BitrateTier: release.ParseBitrateTier(row.Format),
			SizeBytes:   row.Size,
			Seeders:     row.Seeders,
			Leechers:    row.Leechers,
			Freeleech:   row.Freeleech,
			Abridged:    row.Abridged,
			ContentID:   strings.ToLower(strings.TrimSpace(row.InfoHash)),
			DownloadRef: strings.TrimSpace(row.Download),
		}
		if !candidate.Valid() {
			c.logger.Debug("dropping aggregator row with missing identifiers",
				"source_id", candidate.SourceID,
				"title", candidate.Title,
			)
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}
