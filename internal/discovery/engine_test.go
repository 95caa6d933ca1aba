package discovery_test

import (
	"context"
	"errors"
	"testing"

	"bookfetch/internal/discovery"
	"bookfetch/internal/logging"
	"bookfetch/internal/queue"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
	"bookfetch/internal/testsupport"
	"bookfetch/internal/tracker"
)

type fakeAggregator struct {
	candidates []release.Candidate
	err        error
	calls      int
}

func (f *fakeAggregator) Query(_ context.Context, _, _ string) ([]release.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

// pageResult scripts one SearchReleases response.
type pageResult struct {
	page tracker.SearchPage
	err  error
}

type fakeSearcher struct {
	script []pageResult
	calls  int
	pages  []int
}

func (f *fakeSearcher) SearchReleases(_ context.Context, _ tracker.SearchQuery, page int) (tracker.SearchPage, error) {
	f.pages = append(f.pages, page)
	if f.calls >= len(f.script) {
		return tracker.SearchPage{Page: page}, nil
	}
	result := f.script[f.calls]
	f.calls++
	return result.page, result.err
}

func candidate(id string) release.Candidate {
	return release.Candidate{
		SourceID:    id,
		Source:      release.SourceTracker,
		Title:       "Title",
		ContentID:   "hash-" + id,
		DownloadRef: "dl-" + id,
	}
}

func newEngine(t *testing.T, aggregator discovery.Aggregator, searcher discovery.Searcher) (*discovery.Engine, *queue.Store, *queue.Task) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	task := testsupport.NewTask(t, store, "work-1", "Title", "Author")
	return discovery.NewEngine(aggregator, searcher, store, cfg, logging.NewNop()), store, task
}

func TestDiscoverPrefersAggregator(t *testing.T) {
	aggregator := &fakeAggregator{candidates: []release.Candidate{candidate("agg-1")}}
	searcher := &fakeSearcher{}
	engine, _, task := newEngine(t, aggregator, searcher)

	candidates, err := engine.Discover(context.Background(), task)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].SourceID != "agg-1" {
		t.Fatalf("expected aggregator candidates, got %#v", candidates)
	}
	if searcher.calls != 0 {
		t.Fatalf("tracker must not be searched when the aggregator answers, got %d calls", searcher.calls)
	}
}

func TestDiscoverFallsBackOnAggregatorError(t *testing.T) {
	aggregator := &fakeAggregator{err: services.ErrTransient}
	searcher := &fakeSearcher{script: []pageResult{
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("trk-1")}}},
	}}
	engine, _, task := newEngine(t, aggregator, searcher)

	candidates, err := engine.Discover(context.Background(), task)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].SourceID != "trk-1" {
		t.Fatalf("expected tracker fallback candidates, got %#v", candidates)
	}
}

func TestDiscoverFallsBackOnEmptyAggregator(t *testing.T) {
	aggregator := &fakeAggregator{}
	searcher := &fakeSearcher{script: []pageResult{
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("trk-1")}}},
	}}
	engine, _, task := newEngine(t, aggregator, searcher)

	candidates, err := engine.Discover(context.Background(), task)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected tracker candidates, got %#v", candidates)
	}
}

func TestDiscoverWithoutAggregator(t *testing.T) {
	searcher := &fakeSearcher{script: []pageResult{
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("trk-1")}}},
	}}
	engine, _, task := newEngine(t, nil, searcher)

	if _, err := engine.Discover(context.Background(), task); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
}

func TestDiscoverCollectsAllPages(t *testing.T) {
	searcher := &fakeSearcher{script: []pageResult{
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("1")}, Page: 0, HasMore: true}},
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("2")}, Page: 1, HasMore: true}},
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("3")}, Page: 2}},
	}}
	engine, store, task := newEngine(t, nil, searcher)

	candidates, err := engine.Discover(context.Background(), task)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected candidates from all pages, got %d", len(candidates))
	}

	// The finished search leaves no checkpoint behind.
	cp, err := store.LoadCheckpoint(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("checkpoint should be cleared after completion, got %#v", cp)
	}
}

func TestDiscoverEmptyResultIsNotAnError(t *testing.T) {
	searcher := &fakeSearcher{script: []pageResult{{page: tracker.SearchPage{}}}}
	engine, _, task := newEngine(t, nil, searcher)

	candidates, err := engine.Discover(context.Background(), task)
	if err != nil {
		t.Fatalf("an empty search must not error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestDiscoverRetriesFailedPage(t *testing.T) {
	pageErr := errors.New("socket reset")
	searcher := &fakeSearcher{script: []pageResult{
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("1")}, HasMore: true}},
		{err: pageErr},
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("2")}}},
	}}
	engine, _, task := newEngine(t, nil, searcher)

	candidates, err := engine.Discover(context.Background(), task)
	if err != nil {
		t.Fatalf("Discover should survive one page failure: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected both pages' candidates, got %d", len(candidates))
	}
	// Page 1 was fetched twice: the failure and the retry.
	want := []int{0, 1, 1}
	for i, page := range want {
		if searcher.pages[i] != page {
			t.Fatalf("unexpected page sequence %v, want %v", searcher.pages, want)
		}
	}
}

func TestDiscoverEscalatesAfterPageFailureLimit(t *testing.T) {
	pageErr := errors.New("socket reset")
	searcher := &fakeSearcher{script: []pageResult{
		{err: pageErr}, {err: pageErr}, {err: pageErr},
	}}
	engine, store, task := newEngine(t, nil, searcher)

	_, err := engine.Discover(context.Background(), task)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient escalation, got %v", err)
	}
	if searcher.calls != 3 {
		t.Fatalf("expected three attempts before escalation, got %d", searcher.calls)
	}

	// The checkpoint survives for the retry to resume from.
	cp, err := store.LoadCheckpoint(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp == nil || cp.PageFailures != 3 {
		t.Fatalf("expected persisted failure count, got %#v", cp)
	}
}

func TestDiscoverResumesFromCheckpoint(t *testing.T) {
	searcher := &fakeSearcher{script: []pageResult{
		{page: tracker.SearchPage{Candidates: []release.Candidate{candidate("4")}}},
	}}
	aggregator := &fakeAggregator{candidates: []release.Candidate{candidate("agg-1")}}
	engine, store, task := newEngine(t, aggregator, searcher)

	ctx := context.Background()
	saved := queue.Checkpoint{
		TaskID:     task.ID,
		Source:     release.SourceTracker,
		NextPage:   3,
		Candidates: []release.Candidate{candidate("1"), candidate("2"), candidate("3")},
	}
	if err := store.SaveCheckpoint(ctx, saved); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	candidates, err := engine.Discover(ctx, task)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	// A checkpointed tracker search resumes; the aggregator is skipped.
	if aggregator.calls != 0 {
		t.Fatalf("aggregator must be skipped on resume, got %d calls", aggregator.calls)
	}
	if len(searcher.pages) == 0 || searcher.pages[0] != 3 {
		t.Fatalf("search should resume at page 3, got %v", searcher.pages)
	}
	if len(candidates) != 4 {
		t.Fatalf("expected checkpointed plus fresh candidates, got %d", len(candidates))
	}
}

func TestDiscoverPropagatesCancellation(t *testing.T) {
	searcher := &fakeSearcher{script: []pageResult{{err: context.Canceled}}}
	engine, store, task := newEngine(t, nil, searcher)

	_, err := engine.Discover(context.Background(), task)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	// Cancellation is not a page failure; no failure count is recorded.
	cp, _ := store.LoadCheckpoint(context.Background(), task.ID)
	if cp != nil {
		t.Fatalf("cancellation must not persist a failure checkpoint, got %#v", cp)
	}
}
