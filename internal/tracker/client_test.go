package tracker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/identity"
	"bookfetch/internal/logging"
	"bookfetch/internal/pacing"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
	"bookfetch/internal/session"
	"bookfetch/internal/testsupport"
	"bookfetch/internal/tracker"
)

// trackerStub serves login plus the allow-listed tracker endpoints, with
// per-path response overrides and hit counters.
type trackerStub struct {
	t *testing.T

	searchResponses []response
	summaryBody     string
	bonusBody       string

	logins    int
	logouts   int
	searches  int
	summaries int
	lastQuery url.Values
}

type response struct {
	status int
	body   string
}

func newTrackerStub(t *testing.T) *trackerStub {
	return &trackerStub{
		t:           t,
		summaryBody: `{"ratio":2.4,"seedbonus":12000,"wedges":3,"seeding":41}`,
		bonusBody:   `{"success":true}`,
	}
}

func (s *trackerStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/takelogin.php":
			s.logins++
			http.SetCookie(w, &http.Cookie{Name: "uid", Value: "42"})
			w.Write([]byte(`{"success":true,"token":"tok","expires_in":3600}`))
		case "/logout.php":
			s.logouts++
			w.WriteHeader(http.StatusOK)
		case "/tor/js/loadSearchJSONbasic.php":
			s.lastQuery = r.URL.Query()
			next := response{status: http.StatusOK, body: `{"total":0,"perpage":50,"start":0,"data":[]}`}
			if s.searches < len(s.searchResponses) {
				next = s.searchResponses[s.searches]
			}
			s.searches++
			w.WriteHeader(next.status)
			w.Write([]byte(next.body))
		case "/jsonLoad.php":
			s.summaries++
			w.Write([]byte(s.summaryBody))
		case "/json/bonusBuy.php":
			w.Write([]byte(s.bonusBody))
		default:
			s.t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, stub *trackerStub, mutate func(*config.Config)) (*tracker.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithTrackerBaseURL(server.URL))
	if mutate != nil {
		mutate(cfg)
	}

	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	transport, err := router.Acquire(identity.Tunneled)
	if err != nil {
		t.Fatalf("acquire tunneled: %v", err)
	}
	pacer := pacing.NewController(cfg)
	store := session.NewFileStateStore(filepath.Join(t.TempDir(), "session.json"))
	sess := session.NewManager(identity.Tunneled, server.URL,
		session.Credentials{Username: "u", Password: "p"},
		transport, pacer, store, 5*time.Minute, logging.NewNop())

	client, err := tracker.NewClient(cfg, transport, sess, pacer, logging.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client, server
}

func releaseCandidate(downloadRef string) release.Candidate {
	return release.Candidate{
		SourceID:    "55",
		Source:      release.SourceTracker,
		Title:       "Title",
		ContentID:   "hash-55",
		DownloadRef: downloadRef,
	}
}

func TestNewClientRejectsDirectIdentity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	router, err := identity.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	direct, err := router.Acquire(identity.Direct)
	if err != nil {
		t.Fatalf("acquire direct: %v", err)
	}
	if _, err := tracker.NewClient(cfg, direct, nil, nil, logging.NewNop()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for direct identity, got %v", err)
	}
}

func TestSearchReleasesMultiAuthorOrderIsStable(t *testing.T) {
	stub := newTrackerStub(t)
	stub.searchResponses = []response{{
		status: http.StatusOK,
		body: `{"total":1,"perpage":50,"start":0,"data":[
			{"id":7,"title":"Good Omens","author_info":"{\"2\":\"Terry Pratchett\",\"1\":\"Neil Gaiman\"}","filetype":"M4B","size":"1 GB","seeders":3,"leechers":0,"free":0,"abridged":"No","hash":"feed02","dl":"dl-7"}
		]}`,
	}}
	client, _ := newTestClient(t, stub, nil)

	page, err := client.SearchReleases(context.Background(), tracker.SearchQuery{Title: "Good Omens"}, 0)
	if err != nil {
		t.Fatalf("SearchReleases failed: %v", err)
	}
	if len(page.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(page.Candidates))
	}
	if got := page.Candidates[0].Author; got != "Neil Gaiman, Terry Pratchett" {
		t.Fatalf("multi-author display must be sorted, got %q", got)
	}
}

func TestSearchReleasesParsesPayload(t *testing.T) {
	stub := newTrackerStub(t)
	stub.searchResponses = []response{{
		status: http.StatusOK,
		body: `{"total":120,"perpage":50,"start":0,"data":[
			{"id":101,"title":"The Stand","author_info":"{\"11\":\"Stephen King\"}","filetype":"M4B 64kbps","size":"1.4 GB","seeders":12,"leechers":1,"free":1,"abridged":"No","hash":"ABCDEF","dl":"dl-101"},
			{"id":102,"title":"The Stand","author_info":"Stephen King","filetype":"MP3 V0","size":"800 MB","seeders":4,"leechers":0,"free":0,"abridged":"Yes","hash":"beef01","dl":"dl-102"},
			{"id":103,"title":"Broken Row","author_info":"","filetype":"MP3","size":"","seeders":0,"leechers":0,"free":0,"abridged":"","hash":"","dl":""}
		]}`,
	}}
	client, _ := newTestClient(t, stub, nil)

	page, err := client.SearchReleases(context.Background(), tracker.SearchQuery{Title: "The Stand", Author: "Stephen King"}, 0)
	if err != nil {
		t.Fatalf("SearchReleases failed: %v", err)
	}
	if !page.HasMore {
		t.Fatal("expected more pages for start 0 of 120")
	}
	if len(page.Candidates) != 2 {
		t.Fatalf("row without identifiers must be dropped, got %d candidates", len(page.Candidates))
	}

	first := page.Candidates[0]
	if first.SourceID != "101" || first.Author != "Stephen King" {
		t.Fatalf("unexpected first candidate: %#v", first)
	}
	if !first.Freeleech {
		t.Fatal("free=1 should parse as freeleech")
	}
	if first.Abridged == nil || *first.Abridged {
		t.Fatalf("abridged \"No\" should parse as unabridged, got %v", first.Abridged)
	}
	if first.ContentID != "abcdef" {
		t.Fatalf("info hash should be lowercased, got %q", first.ContentID)
	}
	gib := float64(1 << 30)
	if want := int64(1.4 * gib); first.SizeBytes != want {
		t.Fatalf("unexpected size %d, want %d", first.SizeBytes, want)
	}

	second := page.Candidates[1]
	if second.Abridged == nil || !*second.Abridged {
		t.Fatalf("abridged \"Yes\" should parse as abridged, got %v", second.Abridged)
	}

	if got := stub.lastQuery.Get("tor[text]"); got != "The Stand Stephen King" {
		t.Fatalf("unexpected search text %q", got)
	}
	if got := stub.lastQuery.Get("tor[startNumber]"); got != "0" {
		t.Fatalf("unexpected start number %q", got)
	}
}

func TestSearchReleasesEmptyPageIsValid(t *testing.T) {
	stub := newTrackerStub(t)
	client, _ := newTestClient(t, stub, nil)

	page, err := client.SearchReleases(context.Background(), tracker.SearchQuery{Title: "Nothing"}, 0)
	if err != nil {
		t.Fatalf("an empty result set must not error: %v", err)
	}
	if len(page.Candidates) != 0 || page.HasMore {
		t.Fatalf("expected exhausted empty page, got %#v", page)
	}
}

func TestFetchReauthenticatesOnceOn401(t *testing.T) {
	stub := newTrackerStub(t)
	stub.searchResponses = []response{
		{status: http.StatusUnauthorized, body: ""},
		{status: http.StatusOK, body: `{"total":0,"perpage":50,"start":0,"data":[]}`},
	}
	client, _ := newTestClient(t, stub, nil)

	if _, err := client.SearchReleases(context.Background(), tracker.SearchQuery{Title: "x"}, 0); err != nil {
		t.Fatalf("request should succeed after re-auth: %v", err)
	}
	if stub.searches != 2 {
		t.Fatalf("expected exactly one retry, got %d search calls", stub.searches)
	}
	// One login for the initial session plus one for the re-auth.
	if stub.logins != 2 {
		t.Fatalf("expected two logins, got %d", stub.logins)
	}
}

func TestFetchRepeatedDeauthSurfacesAuthError(t *testing.T) {
	stub := newTrackerStub(t)
	stub.searchResponses = []response{
		{status: http.StatusUnauthorized, body: ""},
		{status: http.StatusForbidden, body: ""},
	}
	client, _ := newTestClient(t, stub, nil)

	_, err := client.SearchReleases(context.Background(), tracker.SearchQuery{Title: "x"}, 0)
	if err == nil {
		t.Fatal("expected failure after retried request is also rejected")
	}
	if stub.searches != 2 {
		t.Fatalf("a rejected retry must not loop, got %d search calls", stub.searches)
	}
}

func TestSessionBudgetRotatesSession(t *testing.T) {
	stub := newTrackerStub(t)
	client, _ := newTestClient(t, stub, func(cfg *config.Config) {
		cfg.Pacing.Tracker.SessionBudget = 3
	})
	ctx := context.Background()

	// First snapshot consumes two slots (login plus fetch), second one more.
	for i := 0; i < 2; i++ {
		if _, err := client.Snapshot(ctx); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	// The budget is spent; the next fetch must rotate the session and proceed.
	if _, err := client.Snapshot(ctx); err != nil {
		t.Fatalf("post-budget snapshot: %v", err)
	}
	if stub.logouts != 1 {
		t.Fatalf("expected one logout during rotation, got %d", stub.logouts)
	}
	if stub.logins != 2 {
		t.Fatalf("expected a fresh login after rotation, got %d logins", stub.logins)
	}
}

func TestSnapshotParsesAccountSummary(t *testing.T) {
	stub := newTrackerStub(t)
	client, _ := newTestClient(t, stub, nil)

	snap, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Ratio != 2.4 || snap.BonusPoints != 12000 || snap.FreeleechWedges != 3 || snap.SeedingCount != 41 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
	if snap.SampledAt.IsZero() {
		t.Fatal("snapshot must carry a sample time")
	}
}

func TestBuyUploadCredit(t *testing.T) {
	stub := newTrackerStub(t)
	client, _ := newTestClient(t, stub, nil)

	if err := client.BuyUploadCredit(context.Background(), 5000); err != nil {
		t.Fatalf("BuyUploadCredit failed: %v", err)
	}

	stub.bonusBody = `{"success":false,"error":"insufficient points"}`
	if err := client.BuyUploadCredit(context.Background(), 5000); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error on rejected purchase, got %v", err)
	}
}

func TestDownloadURLRequiresReference(t *testing.T) {
	stub := newTrackerStub(t)
	client, server := newTestClient(t, stub, nil)

	urlStr, err := client.DownloadURL(releaseCandidate("dl-55"))
	if err != nil {
		t.Fatalf("DownloadURL failed: %v", err)
	}
	if urlStr != server.URL+"/tor/download.php?dl=dl-55" {
		t.Fatalf("unexpected download url %q", urlStr)
	}

	if _, err := client.DownloadURL(releaseCandidate("")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error without a reference, got %v", err)
	}
}

func TestDownloadURLHonorsAllowlist(t *testing.T) {
	stub := newTrackerStub(t)
	client, _ := newTestClient(t, stub, func(cfg *config.Config) {
		cfg.Tracker.AllowedPaths = []string{"/tor/js/loadSearchJSONbasic.php"}
	})

	if _, err := client.DownloadURL(releaseCandidate("dl-55")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected allowlist refusal, got %v", err)
	}
}
