package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bookfetch/internal/downloader"
	"bookfetch/internal/logging"
	"bookfetch/internal/queue"
	"bookfetch/internal/services"
)

// runDiscoveryLane drains pending tasks through search and selection. Up to
// maxConcurrent works are searched in parallel; pacing still serializes the
// actual tracker requests underneath.
func (m *Manager) runDiscoveryLane(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := m.store.List(ctx, queue.StatusPending)
		if err != nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch pending tasks",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
			)
			if !m.waitOrShutdown(ctx, m.errorInterval) {
				return
			}
			continue
		}
		if len(tasks) == 0 {
			if !m.waitOrShutdown(ctx, m.pollInterval) {
				return
			}
			continue
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(m.maxConcurrent)
		for _, task := range tasks {
			task := task
			group.Go(func() error {
				m.processSearch(groupCtx, task)
				return nil
			})
		}
		_ = group.Wait()
	}
}

func (m *Manager) processSearch(ctx context.Context, task *queue.Task) {
	taskCtx := services.WithTaskID(ctx, task.ID)
	taskCtx = services.WithWorkID(taskCtx, task.WorkID)
	taskCtx = services.WithRequestID(taskCtx, uuid.NewString())

	if err := m.queue.Transition(taskCtx, task, queue.StatusSearching); err != nil {
		m.setLastError(err)
		return
	}
	if err := m.searcher.Search(taskCtx, task); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.setLastError(err)
	}
}

// runDownloadLane admits selected tasks to the download client and polls
// in-flight transfers.
func (m *Manager) runDownloadLane(ctx context.Context) {
	defer m.wg.Done()
	pollInterval := time.Duration(m.cfg.DownloadClient.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = m.pollInterval
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.resumeQueued(ctx); err != nil {
			m.setLastError(err)
		}
		if err := m.admitSelected(ctx); err != nil {
			m.setLastError(err)
		}
		if err := m.pollActive(ctx); err != nil {
			m.setLastError(err)
		}
		if !m.waitOrShutdown(ctx, pollInterval) {
			return
		}
	}
}

// resumeQueued submits tasks persisted at queued_for_download. These are
// normally submitted in the same cycle that admits them; one left behind was
// stranded by a crash between admission and submission, and startup recovery
// deliberately leaves it in place. Submit adopts an existing transfer by
// content hash, so resubmitting is idempotent.
func (m *Manager) resumeQueued(ctx context.Context) error {
	queued, err := m.store.List(ctx, queue.StatusQueued)
	if err != nil {
		return err
	}
	for _, task := range queued {
		if task.Paused || task.Cancelling {
			continue
		}
		if err := m.orch.Submit(ctx, task); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if retryErr := m.queue.ScheduleRetry(ctx, task, err.Error()); retryErr != nil {
				return retryErr
			}
		}
	}
	return nil
}

// admitSelected moves selected tasks through the admission gate and into
// the download client, honoring the guardian's concurrency cap.
func (m *Manager) admitSelected(ctx context.Context) error {
	selected, err := m.store.List(ctx, queue.StatusSelected)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return nil
	}

	active, err := m.store.List(ctx, queue.StatusQueued, queue.StatusDownloading, queue.StatusVerifying)
	if err != nil {
		return err
	}
	limit := m.guardianCap()

	for _, task := range selected {
		if limit > 0 && len(active) >= limit {
			return nil
		}
		err := m.queue.Admit(ctx, task)
		if errors.Is(err, queue.ErrAdmissionBlocked) {
			// Gate refusals leave the task selected; it re-presents when
			// the guardian reopens the gate.
			continue
		}
		if err != nil {
			return err
		}
		if err := m.orch.Submit(ctx, task); err != nil {
			if retryErr := m.queue.ScheduleRetry(ctx, task, err.Error()); retryErr != nil {
				return retryErr
			}
			continue
		}
		active = append(active, task)
	}
	return nil
}

func (m *Manager) guardianCap() int {
	if m.guardian == nil {
		return 0
	}
	return m.guardian.ConcurrencyCap()
}

// pollActive advances downloading and verifying tasks.
func (m *Manager) pollActive(ctx context.Context) error {
	tasks, err := m.store.List(ctx, queue.StatusDownloading, queue.StatusVerifying)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Paused && !task.Cancelling {
			continue
		}
		outcome, err := m.orch.Poll(ctx, task)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			m.logger.Warn("transfer poll failed",
				logging.Int64(logging.FieldTaskID, task.ID),
				logging.Error(err),
			)
			continue
		}
		switch outcome {
		case downloader.OutcomeCompleted:
			if m.notifier != nil {
				if err := m.notifier.NotifyAcquisitionComplete(ctx, task.Title); err != nil {
					m.logger.Warn("completion alert failed", logging.Error(err))
				}
			}
		case downloader.OutcomeCorrupt, downloader.OutcomeRetry:
			if task.Status == queue.StatusFailed {
				m.notifyFailed(ctx, task)
			}
		}
	}
	return nil
}

// runRetryLane promotes retry-scheduled tasks whose backoff has elapsed. A
// task with a selection (or alternates) goes back to the download path; one
// without returns to discovery.
func (m *Manager) runRetryLane(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		due, err := m.store.DueRetries(ctx, time.Now())
		if err != nil {
			m.setLastError(err)
			if !m.waitOrShutdown(ctx, m.errorInterval) {
				return
			}
			continue
		}
		for _, task := range due {
			if err := m.promoteRetry(ctx, task); err != nil {
				m.setLastError(err)
			}
		}
		if !m.waitOrShutdown(ctx, m.pollInterval) {
			return
		}
	}
}

func (m *Manager) promoteRetry(ctx context.Context, task *queue.Task) error {
	task.NextRetryAt = nil

	// Without a selection the task fell over during discovery; search again.
	if task.Selected == nil {
		if err := m.queue.Transition(ctx, task, queue.StatusSearching); err != nil {
			return err
		}
		return m.searcher.Search(ctx, task)
	}

	if err := m.queue.Transition(ctx, task, queue.StatusQueued); err != nil {
		return err
	}
	if submitErr := m.orch.Submit(ctx, task); submitErr != nil {
		return m.queue.ScheduleRetry(ctx, task, submitErr.Error())
	}
	return nil
}

func (m *Manager) notifyFailed(ctx context.Context, task *queue.Task) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyTaskFailed(ctx, task.Title, task.ErrorMsg); err != nil {
		m.logger.Warn("task failure alert failed", logging.Error(err))
	}
}
