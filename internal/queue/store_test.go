package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookfetch/internal/queue"
	"bookfetch/internal/release"
	"bookfetch/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task, err := store.NewTask(ctx, "the stand|stephen king", "The Stand", "Stephen King", "corr-1")
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected task ID to be assigned")
	}
	if task.Status != queue.StatusPending {
		t.Fatalf("expected pending status, got %s", task.Status)
	}

	fetched, err := store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched == nil || fetched.Title != "The Stand" || fetched.CorrelationID != "corr-1" {
		t.Fatalf("unexpected fetched task: %#v", fetched)
	}
}

func TestLiveWorkUniqueIndex(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewTask(t, store, "work-1", "Title", "Author")

	if _, err := store.NewTask(ctx, "work-1", "Title", "Author", ""); !errors.Is(err, queue.ErrDuplicateWork) {
		t.Fatalf("expected ErrDuplicateWork, got %v", err)
	}
}

func TestTerminalTaskDoesNotBlockReenqueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "work-1", "Title", "Author")
	task.Status = queue.StatusFailed
	task.FailureCode = queue.FailureNotFound
	if err := store.Update(ctx, task); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := store.NewTask(ctx, "work-1", "Title", "Author", ""); err != nil {
		t.Fatalf("expected fresh enqueue after terminal task, got %v", err)
	}
}

func TestSelectionRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	task := testsupport.NewTask(t, store, "work-1", "Title", "Author")
	task.Selected = &release.Candidate{
		SourceID:    "42",
		Source:      release.SourceTracker,
		Title:       "Title",
		BitrateTier: release.TierHigh,
		ContentID:   "abc123",
		DownloadRef: "dl-42",
	}
	task.Alternates = []release.Candidate{
		{SourceID: "43", Source: release.SourceTracker, ContentID: "def456", DownloadRef: "dl-43"},
	}
	if err := store.Update(ctx, task); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Selected == nil || fetched.Selected.SourceID != "42" {
		t.Fatalf("selection did not survive round trip: %#v", fetched.Selected)
	}
	if len(fetched.Alternates) != 1 || fetched.Alternates[0].SourceID != "43" {
		t.Fatalf("alternates did not survive round trip: %#v", fetched.Alternates)
	}
	if fetched.ContentID() != "abc123" {
		t.Fatalf("unexpected content id %q", fetched.ContentID())
	}
}

func TestResetInterrupted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	searching := testsupport.NewTask(t, store, "work-search", "Searching", "")
	searching.Status = queue.StatusSearching
	if err := store.Update(ctx, searching); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	downloading := testsupport.NewTask(t, store, "work-dl", "Downloading", "")
	downloading.Status = queue.StatusDownloading
	downloading.DownloadID = "hash-1"
	if err := store.Update(ctx, downloading); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reset, err := store.ResetInterrupted(ctx)
	if err != nil {
		t.Fatalf("ResetInterrupted failed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset task, got %d", reset)
	}

	fetched, _ := store.GetByID(ctx, searching.ID)
	if fetched.Status != queue.StatusPending {
		t.Fatalf("searching task should reset to pending, got %s", fetched.Status)
	}
	fetched, _ = store.GetByID(ctx, downloading.ID)
	if fetched.Status != queue.StatusDownloading {
		t.Fatalf("downloading task should be untouched, got %s", fetched.Status)
	}
}

func TestDueRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := testsupport.NewTask(t, store, "work-due", "Due", "")
	due.Status = queue.StatusRetryScheduled
	due.NextRetryAt = &past
	if err := store.Update(ctx, due); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	notDue := testsupport.NewTask(t, store, "work-later", "Later", "")
	notDue.Status = queue.StatusRetryScheduled
	notDue.NextRetryAt = &future
	if err := store.Update(ctx, notDue); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	tasks, err := store.DueRetries(ctx, now)
	if err != nil {
		t.Fatalf("DueRetries failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != due.ID {
		t.Fatalf("expected only the elapsed retry, got %#v", tasks)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	task := testsupport.NewTask(t, store, "work-1", "Title", "")
	cp := queue.Checkpoint{
		TaskID:   task.ID,
		Source:   release.SourceTracker,
		NextPage: 3,
		Candidates: []release.Candidate{
			{SourceID: "1", ContentID: "aaa", DownloadRef: "dl-1"},
			{SourceID: "2", ContentID: "bbb", DownloadRef: "dl-2"},
		},
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(ctx, task.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded == nil || loaded.NextPage != 3 || len(loaded.Candidates) != 2 {
		t.Fatalf("unexpected checkpoint: %#v", loaded)
	}

	// Upsert replaces, not appends.
	cp.NextPage = 4
	cp.Candidates = cp.Candidates[:1]
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint upsert failed: %v", err)
	}
	loaded, _ = store.LoadCheckpoint(ctx, task.ID)
	if loaded.NextPage != 4 || len(loaded.Candidates) != 1 {
		t.Fatalf("upsert did not replace checkpoint: %#v", loaded)
	}

	if err := store.ClearCheckpoint(ctx, task.ID); err != nil {
		t.Fatalf("ClearCheckpoint failed: %v", err)
	}
	loaded, _ = store.LoadCheckpoint(ctx, task.ID)
	if loaded != nil {
		t.Fatalf("expected cleared checkpoint, got %#v", loaded)
	}
}

func TestStatsAndHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewTask(t, store, "w1", "One", "")
	done := testsupport.NewTask(t, store, "w2", "Two", "")
	done.Status = queue.StatusCompleted
	if err := store.Update(ctx, done); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 2 || health.Pending != 1 || health.Completed != 1 {
		t.Fatalf("unexpected health summary: %#v", health)
	}
}
