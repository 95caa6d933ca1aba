package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/services"
)

// TransferState is the download client's view of one transfer.
type TransferState string

const (
	TransferQueued      TransferState = "queued"
	TransferActive      TransferState = "active"
	TransferStalled     TransferState = "stalled"
	TransferCompleted   TransferState = "completed"
	TransferErrored     TransferState = "errored"
	TransferMissing     TransferState = "missing"
	TransferCheckFailed TransferState = "check_failed"
)

// Transfer is one tracked download on the client.
type Transfer struct {
	ID       string
	State    TransferState
	Progress float64
	SavePath string
	Message  string
}

// ClientAPI abstracts the download client's management interface.
type ClientAPI interface {
	// Add submits a transfer by its download URL and returns the client's
	// handle for it.
	Add(ctx context.Context, downloadURL, category string) (string, error)
	// Info fetches the state of one transfer.
	Info(ctx context.Context, id string) (Transfer, error)
	// Recheck forces the client to re-verify a transfer's payload.
	Recheck(ctx context.Context, id string) error
	// Delete removes a transfer and optionally its payload.
	Delete(ctx context.Context, id string, deleteFiles bool) error
	// FindByHash locates an existing transfer by content hash, empty id
	// when absent.
	FindByHash(ctx context.Context, hash string) (string, error)
}

// HTTPClient talks to a qBittorrent-compatible WebUI API.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	category string
	http     *http.Client
}

// NewHTTPClient builds the download client API from configuration.
func NewHTTPClient(cfg *config.Config) *HTTPClient {
	timeout := time.Duration(cfg.DownloadClient.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.DownloadClient.BaseURL, "/"),
		apiKey:   cfg.DownloadClient.APIKey,
		category: cfg.DownloadClient.Category,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) postForm(ctx context.Context, apiPath string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrClientDown, "downloader", "request", apiPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrClientDown, "downloader", "request", fmt.Sprintf("%s returned %d", apiPath, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrClientDown, "downloader", "read response", apiPath, err)
	}
	return body, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, apiPath string, query url.Values, out any) error {
	endpoint := c.baseURL + apiPath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrClientDown, "downloader", "request", apiPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return services.Wrap(services.ErrClientDown, "downloader", "request", fmt.Sprintf("%s returned %d", apiPath, resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrClientDown, "downloader", "decode response", apiPath, err)
	}
	return nil
}

// Add submits a transfer by URL under the configured category.
func (c *HTTPClient) Add(ctx context.Context, downloadURL, category string) (string, error) {
	if category == "" {
		category = c.category
	}
	form := url.Values{}
	form.Set("urls", downloadURL)
	form.Set("category", category)
	body, err := c.postForm(ctx, "/api/v2/torrents/add", form)
	if err != nil {
		return "", err
	}

	var payload struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Hash == "" {
		return "", services.Wrap(services.ErrClientDown, "downloader", "add", "client returned no transfer handle", err)
	}
	return strings.ToLower(payload.Hash), nil
}

type transferInfo struct {
	Hash     string  `json:"hash"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	SavePath string  `json:"save_path"`
}

// Info fetches one transfer's state.
func (c *HTTPClient) Info(ctx context.Context, id string) (Transfer, error) {
	var rows []transferInfo
	if err := c.getJSON(ctx, "/api/v2/torrents/info", url.Values{"hashes": []string{id}}, &rows); err != nil {
		return Transfer{}, err
	}
	if len(rows) == 0 {
		return Transfer{ID: id, State: TransferMissing}, nil
	}
	row := rows[0]
	return Transfer{
		ID:       row.Hash,
		State:    mapClientState(row.State),
		Progress: row.Progress,
		SavePath: row.SavePath,
	}, nil
}

// Recheck forces a payload re-verification.
func (c *HTTPClient) Recheck(ctx context.Context, id string) error {
	form := url.Values{}
	form.Set("hashes", id)
	_, err := c.postForm(ctx, "/api/v2/torrents/recheck", form)
	return err
}

// Delete removes a transfer.
func (c *HTTPClient) Delete(ctx context.Context, id string, deleteFiles bool) error {
	form := url.Values{}
	form.Set("hashes", id)
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteFiles))
	_, err := c.postForm(ctx, "/api/v2/torrents/delete", form)
	return err
}

// FindByHash locates an existing transfer by content hash.
func (c *HTTPClient) FindByHash(ctx context.Context, hash string) (string, error) {
	var rows []transferInfo
	if err := c.getJSON(ctx, "/api/v2/torrents/info", url.Values{"hashes": []string{hash}}, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return strings.ToLower(rows[0].Hash), nil
}

func mapClientState(raw string) TransferState {
	switch raw {
	case "queuedDL", "allocating", "metaDL":
		return TransferQueued
	case "downloading", "forcedDL", "checkingDL":
		return TransferActive
	case "stalledDL":
		return TransferStalled
	case "uploading", "stalledUP", "queuedUP", "forcedUP", "pausedUP", "stoppedUP", "checkingUP":
		return TransferCompleted
	case "error", "missingFiles":
		return TransferErrored
	default:
		return TransferStalled
	}
}
