package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bookfetch/internal/config"
	"bookfetch/internal/logging"
	"bookfetch/internal/queue"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
	"bookfetch/internal/tracker"
)

// Aggregator is the primary metadata source.
type Aggregator interface {
	Query(ctx context.Context, title, author string) ([]release.Candidate, error)
}

// Searcher is the tracker's paged search surface.
type Searcher interface {
	SearchReleases(ctx context.Context, query tracker.SearchQuery, page int) (tracker.SearchPage, error)
}

// Engine runs candidate discovery for one task at a time.
type Engine struct {
	aggregator Aggregator
	searcher   Searcher
	store      *queue.Store
	logger     *slog.Logger

	maxPages      int
	pageFailLimit int
}

// NewEngine wires discovery. The aggregator may be nil when disabled; the
// tracker searcher is mandatory.
func NewEngine(aggregator Aggregator, searcher Searcher, store *queue.Store, cfg *config.Config, logger *slog.Logger) *Engine {
	maxPages := cfg.Workflow.DiscoveryMaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	failLimit := cfg.Workflow.PageFailureLimit
	if failLimit <= 0 {
		failLimit = 3
	}
	return &Engine{
		aggregator:    aggregator,
		searcher:      searcher,
		store:         store,
		logger:        logging.NewComponentLogger(logger, "discovery"),
		maxPages:      maxPages,
		pageFailLimit: failLimit,
	}
}

// Discover collects candidates for a task. An empty result with a nil error
// means both sources answered and neither has the work; callers classify
// that as not found, not as a fault.
func (e *Engine) Discover(ctx context.Context, task *queue.Task) ([]release.Candidate, error) {
	// A checkpoint means a tracker search was interrupted mid-pagination;
	// resume it rather than re-running the aggregator.
	checkpoint, err := e.store.LoadCheckpoint(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if checkpoint != nil && checkpoint.Source == release.SourceTracker {
		return e.searchTracker(ctx, task, checkpoint)
	}

	if e.aggregator != nil {
		candidates, err := e.aggregator.Query(ctx, task.Title, task.Author)
		if err == nil && len(candidates) > 0 {
			e.logger.Info("aggregator produced candidates",
				logging.Int64(logging.FieldTaskID, task.ID),
				logging.Int("count", len(candidates)),
			)
			return candidates, nil
		}
		if err != nil {
			e.logger.Warn("aggregator query failed, falling back to tracker search",
				logging.Int64(logging.FieldTaskID, task.ID),
				logging.Error(err),
			)
		}
	}

	return e.searchTracker(ctx, task, nil)
}

// searchTracker walks the tracker's paged search, persisting a checkpoint
// after every page. Page fetch failures are tolerated up to the configured
// limit, then the whole discovery escalates as a retryable fault.
func (e *Engine) searchTracker(ctx context.Context, task *queue.Task, resume *queue.Checkpoint) ([]release.Candidate, error) {
	checkpoint := queue.Checkpoint{TaskID: task.ID, Source: release.SourceTracker}
	if resume != nil {
		checkpoint = *resume
		e.logger.Info("resuming tracker search from checkpoint",
			logging.Int64(logging.FieldTaskID, task.ID),
			logging.Int("next_page", checkpoint.NextPage),
			logging.Int("collected", len(checkpoint.Candidates)),
		)
	}

	query := tracker.SearchQuery{Title: task.Title, Author: task.Author}
	for page := checkpoint.NextPage; page < e.maxPages; page++ {
		result, err := e.searcher.SearchReleases(ctx, query, page)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			checkpoint.PageFailures++
			if saveErr := e.store.SaveCheckpoint(ctx, checkpoint); saveErr != nil {
				return nil, saveErr
			}
			if checkpoint.PageFailures >= e.pageFailLimit {
				return nil, services.Wrap(services.ErrTransient, "discovery", "tracker search",
					fmt.Sprintf("page %d failed %d times", page, checkpoint.PageFailures), err)
			}
			e.logger.Warn("tracker search page failed",
				logging.Int64(logging.FieldTaskID, task.ID),
				logging.Int("page", page),
				logging.Int("failures", checkpoint.PageFailures),
				logging.Error(err),
			)
			// Retry the same page on the next pass through the loop.
			page--
			continue
		}

		checkpoint.Candidates = append(checkpoint.Candidates, result.Candidates...)
		checkpoint.NextPage = page + 1
		checkpoint.PageFailures = 0
		if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			return nil, err
		}
		if !result.HasMore {
			break
		}
	}

	if err := e.store.ClearCheckpoint(ctx, task.ID); err != nil {
		return nil, err
	}
	e.logger.Info("tracker search complete",
		logging.Int64(logging.FieldTaskID, task.ID),
		logging.Int("count", len(checkpoint.Candidates)),
	)
	return checkpoint.Candidates, nil
}
