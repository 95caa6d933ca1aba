package workflow

import (
	"context"
	"errors"
	"log/slog"

	"bookfetch/internal/discovery"
	"bookfetch/internal/logging"
	"bookfetch/internal/notifications"
	"bookfetch/internal/queue"
	"bookfetch/internal/ratio"
	"bookfetch/internal/selection"
	"bookfetch/internal/services"
	"bookfetch/internal/stage"
)

// SearchStage runs discovery and selection for one task. It implements the
// manager's Searcher contract and the stage handler shape used by health
// checks.
type SearchStage struct {
	engine   *discovery.Engine
	queue    *queue.Queue
	guardian *ratio.Guardian
	notifier notifications.Service
	logger   *slog.Logger
}

// NewSearchStage wires the discovery stage.
func NewSearchStage(engine *discovery.Engine, q *queue.Queue, guardian *ratio.Guardian, notifier notifications.Service, logger *slog.Logger) *SearchStage {
	return &SearchStage{
		engine:   engine,
		queue:    q,
		guardian: guardian,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "search"),
	}
}

// Search discovers candidates, ranks them, and records the selection. The
// task must already be in the searching state.
func (s *SearchStage) Search(ctx context.Context, task *queue.Task) error {
	candidates, err := s.engine.Discover(ctx, task)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) || errors.Is(err, services.ErrValidation) {
			if failErr := s.queue.Fail(ctx, task, queue.FailureNotFound, err.Error()); failErr != nil {
				return failErr
			}
			s.notify(ctx, task)
			return nil
		}
		// Everything else, auth and identity faults included, burns an
		// attempt and backs off; the cap turns a persistent fault terminal.
		return s.queue.ScheduleRetry(ctx, task, err.Error())
	}

	// Both sources answered and neither carries the work: a definitive
	// negative, not a fault.
	if len(candidates) == 0 {
		if err := s.queue.Fail(ctx, task, queue.FailureNotFound, "no releases found at any source"); err != nil {
			return err
		}
		s.notify(ctx, task)
		return nil
	}

	policy := selection.Policy{}
	if s.guardian != nil {
		policy.FreeOnly = s.guardian.FreeOnly()
	}
	ranked := selection.Rank(candidates, policy)
	if len(ranked) == 0 {
		// Candidates exist but none pass the current health policy. Back
		// off and look again once the account recovers.
		return s.queue.ScheduleRetry(ctx, task, "no candidates admissible under current health policy")
	}

	best := ranked[0]
	alternates := ranked[1:]
	s.logger.Info("release selected",
		logging.Int64(logging.FieldTaskID, task.ID),
		logging.String("source_id", best.SourceID),
		logging.String("source", string(best.Source)),
		logging.Int("tier", int(best.BitrateTier)),
		logging.Bool("freeleech", best.Freeleech),
		logging.Int("alternates", len(alternates)),
	)
	return s.queue.MarkSelected(ctx, task, best, alternates)
}

// Prepare satisfies the stage handler shape; discovery needs no setup.
func (s *SearchStage) Prepare(ctx context.Context, task *queue.Task) error { return nil }

// Execute satisfies the stage handler shape.
func (s *SearchStage) Execute(ctx context.Context, task *queue.Task) error {
	return s.Search(ctx, task)
}

// HealthCheck reports discovery readiness.
func (s *SearchStage) HealthCheck(ctx context.Context) stage.Health {
	if s.engine == nil {
		return stage.Unhealthy("search", "discovery engine not configured")
	}
	return stage.Healthy("search")
}

func (s *SearchStage) notify(ctx context.Context, task *queue.Task) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTaskFailed(ctx, task.Title, task.ErrorMsg); err != nil {
		s.logger.Warn("task failure alert failed", logging.Error(err))
	}
}
