package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"bookfetch/internal/release"
	"bookfetch/internal/services"
)

// SearchQuery is one title/author lookup against the tracker.
type SearchQuery struct {
	Title  string
	Author string
}

// SearchPage is one page of parsed search results plus the cursor for the
// next page. HasMore false means the result set is exhausted.
type SearchPage struct {
	Candidates []release.Candidate
	Page       int
	HasMore    bool
}

// searchPayload mirrors the tracker's basic JSON search response. Fields the
// pipeline does not use are deliberately omitted.
type searchPayload struct {
	Total   int            `json:"total"`
	PerPage int            `json:"perpage"`
	Start   int            `json:"start"`
	Data    []searchResult `json:"data"`
}

type searchResult struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	AuthorInf string `json:"author_info"`
	Filetype  string `json:"filetype"`
	Size      string `json:"size"`
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	Freeleech int    `json:"free"`
	Abridged  string `json:"abridged"`
	InfoHash  string `json:"hash"`
	DLHash    string `json:"dl"`
}

// SearchReleases fetches one page of search results for a work. Pages are
// zero-based. An empty page with HasMore false is a valid outcome, not an
// error.
func (c *Client) SearchReleases(ctx context.Context, query SearchQuery, page int) (SearchPage, error) {
	params := url.Values{}
	params.Set("tor[text]", strings.TrimSpace(query.Title+" "+query.Author))
	params.Set("tor[srchIn][title]", "true")
	params.Set("tor[srchIn][author]", "true")
	params.Set("tor[startNumber]", strconv.Itoa(page*searchPageSize))
	params.Set("perpage", strconv.Itoa(searchPageSize))

	body, err := c.fetch(ctx, searchPath, params)
	if err != nil {
		return SearchPage{}, err
	}

	var payload searchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return SearchPage{}, services.Wrap(services.ErrTransient, "tracker", "decode search", "", err)
	}

	candidates := make([]release.Candidate, 0, len(payload.Data))
	for _, row := range payload.Data {
		candidate := row.toCandidate()
		if !candidate.Valid() {
			c.logger.Debug("dropping search row with missing identifiers",
				"source_id", candidate.SourceID,
				"title", candidate.Title,
			)
			continue
		}
		candidates = append(candidates, candidate)
	}

	perPage := payload.PerPage
	if perPage <= 0 {
		perPage = searchPageSize
	}
	hasMore := payload.Start+perPage < payload.Total
	return SearchPage{Candidates: candidates, Page: page, HasMore: hasMore}, nil
}

const searchPageSize = 50

func (r searchResult) toCandidate() release.Candidate {
	candidate := release.Candidate{
		SourceID:    strconv.FormatInt(r.ID, 10),
		Source:      release.SourceTracker,
		Title:       strings.TrimSpace(r.Title),
		Author:      parseAuthor(r.AuthorInf),
		Format:      strings.TrimSpace(r.Filetype),
		BitrateTier: release.ParseBitrateTier(r.Filetype),
		SizeBytes:   parseSize(r.Size),
		Seeders:     r.Seeders,
		Leechers:    r.Leechers,
		Freeleech:   r.Freeleech != 0,
		ContentID:   strings.ToLower(strings.TrimSpace(r.InfoHash)),
		DownloadRef: strings.TrimSpace(r.DLHash),
	}
	switch strings.ToLower(strings.TrimSpace(r.Abridged)) {
	case "yes", "abridged", "1", "true":
		candidate.Abridged = release.AbridgedFlag(true)
	case "no", "unabridged", "0", "false":
		candidate.Abridged = release.AbridgedFlag(false)
	}
	return candidate
}

// parseAuthor flattens the tracker's author map ({"id": "name", ...}) or a
// plain string into a display name.
func parseAuthor(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "{") {
		var byID map[string]string
		if err := json.Unmarshal([]byte(raw), &byID); err == nil {
			names := make([]string, 0, len(byID))
			for _, name := range byID {
				names = append(names, name)
			}
			// Map order is random; keep the display name stable.
			sort.Strings(names)
			if len(names) > 0 {
				return strings.Join(names, ", ")
			}
		}
	}
	return raw
}

// parseSize converts the tracker's human-readable size ("1.4 GB") to bytes.
// Unparseable values come back as zero rather than failing the row.
func parseSize(raw string) int64 {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", ""), 64)
	if err != nil {
		return 0
	}
	unit := "b"
	if len(fields) > 1 {
		unit = strings.ToLower(fields[1])
	}
	switch unit {
	case "b", "bytes":
		return int64(value)
	case "kb", "kib":
		return int64(value * 1024)
	case "mb", "mib":
		return int64(value * 1024 * 1024)
	case "gb", "gib":
		return int64(value * 1024 * 1024 * 1024)
	case "tb", "tib":
		return int64(value * 1024 * 1024 * 1024 * 1024)
	default:
		return 0
	}
}

// DownloadURL resolves the allow-listed fetch URL for a selected release.
func (c *Client) DownloadURL(candidate release.Candidate) (string, error) {
	if candidate.DownloadRef == "" {
		return "", services.Wrap(services.ErrValidation, "tracker", "download url", "candidate has no download reference", nil)
	}
	downloadPath := "/tor/download.php"
	if err := c.allowlist.Check(downloadPath); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s?%s", c.baseURL, downloadPath, url.Values{"dl": []string{candidate.DownloadRef}}.Encode()), nil
}
