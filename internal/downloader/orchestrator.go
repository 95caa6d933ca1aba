package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"bookfetch/internal/config"
	"bookfetch/internal/logging"
	"bookfetch/internal/queue"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
)

// URLResolver resolves the fetch URL for a selected release. The tracker
// client implements it.
type URLResolver interface {
	DownloadURL(candidate release.Candidate) (string, error)
}

// Notifier is the alert surface the orchestrator needs.
type Notifier interface {
	NotifyClientUnreachable(ctx context.Context, message string) error
}

// Outcome classifies one poll of an in-flight transfer.
type Outcome int

const (
	// OutcomePending means the transfer is still moving; poll again later.
	OutcomePending Outcome = iota
	// OutcomeCompleted means the payload verified and the task finished.
	OutcomeCompleted
	// OutcomeRetry means the transfer failed in a retryable way.
	OutcomeRetry
	// OutcomeCorrupt means the payload failed verification.
	OutcomeCorrupt
	// OutcomeCancelled means a requested cancellation was confirmed.
	OutcomeCancelled
)

// Orchestrator submits selections to the download client and shepherds the
// resulting transfers to completion.
type Orchestrator struct {
	api      ClientAPI
	queue    *queue.Queue
	resolver URLResolver
	notifier Notifier
	logger   *slog.Logger

	unreachableAfter int

	mu           sync.Mutex
	pollFailures int
	alerted      bool
}

// NewOrchestrator wires the download path.
func NewOrchestrator(api ClientAPI, q *queue.Queue, resolver URLResolver, notifier Notifier, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	after := cfg.DownloadClient.UnreachableAlertAfter
	if after <= 0 {
		after = 3
	}
	return &Orchestrator{
		api:              api,
		queue:            q,
		resolver:         resolver,
		notifier:         notifier,
		logger:           logging.NewComponentLogger(logger, "downloader"),
		unreachableAfter: after,
	}
}

// Submit hands a queued task's selection to the download client. A transfer
// already known to the client by content hash is adopted instead of
// re-added, so resubmits after a crash never duplicate payload traffic.
func (o *Orchestrator) Submit(ctx context.Context, task *queue.Task) error {
	if task.Selected == nil {
		return services.Wrap(services.ErrValidation, "downloader", "submit", "task has no selection", nil)
	}

	existing, err := o.api.FindByHash(ctx, task.ContentID())
	if err != nil {
		o.recordClientFailure(ctx, err)
		return err
	}
	o.recordClientSuccess()

	handle := existing
	if handle == "" {
		downloadURL, err := o.resolver.DownloadURL(*task.Selected)
		if err != nil {
			return err
		}
		handle, err = o.api.Add(ctx, downloadURL, "")
		if err != nil {
			o.recordClientFailure(ctx, err)
			return err
		}
		o.recordClientSuccess()
	} else {
		o.logger.Info("adopting existing transfer",
			logging.Int64(logging.FieldTaskID, task.ID),
			logging.String("transfer_id", handle),
		)
	}

	task.DownloadID = handle
	return o.queue.Transition(ctx, task, queue.StatusDownloading)
}

// Poll advances one downloading task based on the client's transfer state.
func (o *Orchestrator) Poll(ctx context.Context, task *queue.Task) (Outcome, error) {
	transfer, err := o.api.Info(ctx, task.DownloadID)
	if err != nil {
		o.recordClientFailure(ctx, err)
		// A down client is not a task failure; the transfer keeps moving
		// without us.
		return OutcomePending, nil
	}
	o.recordClientSuccess()

	if task.Cancelling {
		if err := o.api.Delete(ctx, task.DownloadID, true); err != nil {
			return OutcomePending, err
		}
		if err := o.queue.ConfirmCancel(ctx, task); err != nil {
			return OutcomePending, err
		}
		return OutcomeCancelled, nil
	}

	switch transfer.State {
	case TransferCompleted:
		if err := o.queue.Transition(ctx, task, queue.StatusVerifying); err != nil {
			return OutcomePending, err
		}
		return o.verify(ctx, task)
	case TransferErrored, TransferMissing:
		message := transfer.Message
		if message == "" {
			message = fmt.Sprintf("transfer %s reported state %s", task.DownloadID, transfer.State)
		}
		if err := o.queue.ScheduleRetry(ctx, task, message); err != nil {
			return OutcomePending, err
		}
		return OutcomeRetry, nil
	default:
		return OutcomePending, nil
	}
}

// verify rechecks the completed payload before the task may finish. A
// failed verification discards the payload and promotes the next alternate
// through the retry path.
func (o *Orchestrator) verify(ctx context.Context, task *queue.Task) (Outcome, error) {
	if err := o.api.Recheck(ctx, task.DownloadID); err != nil {
		o.recordClientFailure(ctx, err)
		return OutcomePending, nil
	}
	transfer, err := o.api.Info(ctx, task.DownloadID)
	if err != nil {
		o.recordClientFailure(ctx, err)
		return OutcomePending, nil
	}
	o.recordClientSuccess()

	if transfer.State == TransferCheckFailed || (transfer.State == TransferErrored && transfer.Progress < 1) {
		integrityErr := services.Wrap(services.ErrIntegrity, "downloader", "verify", "payload failed verification", nil)
		o.logger.Warn("payload verification failed",
			logging.Int64(logging.FieldTaskID, task.ID),
			logging.Error(integrityErr),
		)
		if err := o.api.Delete(ctx, task.DownloadID, true); err != nil {
			o.logger.Warn("failed to discard corrupt payload", logging.Error(err))
		}
		// Corruption burns the selection; promote the next alternate before
		// scheduling the retry so the same payload is never refetched.
		promoted, err := o.queue.NextAlternate(ctx, task)
		if err != nil {
			return OutcomePending, err
		}
		if !promoted {
			return OutcomeCorrupt, nil
		}
		if err := o.queue.ScheduleRetry(ctx, task, "payload failed verification"); err != nil {
			return OutcomePending, err
		}
		return OutcomeCorrupt, nil
	}

	if err := o.queue.Complete(ctx, task); err != nil {
		return OutcomePending, err
	}
	return OutcomeCompleted, nil
}

// recordClientFailure tracks consecutive client faults and raises a single
// operator alert once the threshold is crossed.
func (o *Orchestrator) recordClientFailure(ctx context.Context, err error) {
	o.mu.Lock()
	o.pollFailures++
	shouldAlert := o.pollFailures >= o.unreachableAfter && !o.alerted
	if shouldAlert {
		o.alerted = true
	}
	failures := o.pollFailures
	o.mu.Unlock()

	o.logger.Warn("download client unreachable",
		logging.Int("consecutive_failures", failures),
		logging.Error(err),
	)
	if shouldAlert && o.notifier != nil {
		message := fmt.Sprintf("download client unreachable after %d consecutive attempts", failures)
		if notifyErr := o.notifier.NotifyClientUnreachable(ctx, message); notifyErr != nil {
			o.logger.Warn("client unreachable alert failed", logging.Error(notifyErr))
		}
	}
}

func (o *Orchestrator) recordClientSuccess() {
	o.mu.Lock()
	o.pollFailures = 0
	o.alerted = false
	o.mu.Unlock()
}
