package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/logging"
	"bookfetch/internal/release"
	"bookfetch/internal/services"
	"bookfetch/internal/textutil"
)

// Gate is the admission level for new download activity. Only the account
// health guardian mutates it.
type Gate string

const (
	// GateOpen admits all selections.
	GateOpen Gate = "open"
	// GateFreeOnly admits only freeleech selections.
	GateFreeOnly Gate = "free_only"
	// GateClosed admits nothing.
	GateClosed Gate = "closed"
)

// Queue layers the task state machine, per-work serialization, and the
// admission gate over the persistent store.
type Queue struct {
	store  *Store
	logger *slog.Logger

	retryBase  time.Duration
	retryMax   time.Duration
	attemptCap int

	gateMu sync.RWMutex
	gate   Gate

	workMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New builds a queue over an open store.
func New(store *Store, cfg *config.Config, logger *slog.Logger) *Queue {
	return &Queue{
		store:      store,
		logger:     logging.NewComponentLogger(logger, "queue"),
		retryBase:  time.Duration(cfg.Workflow.RetryBaseSeconds) * time.Second,
		retryMax:   time.Duration(cfg.Workflow.RetryMaxSeconds) * time.Second,
		attemptCap: cfg.Workflow.AttemptCap,
		gate:       GateOpen,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Store exposes the underlying store for read paths that bypass the state
// machine (status output, tests).
func (q *Queue) Store() *Store { return q.store }

// lockWork serializes mutations per work id.
func (q *Queue) lockWork(workID string) func() {
	q.workMu.Lock()
	lock, ok := q.locks[workID]
	if !ok {
		lock = &sync.Mutex{}
		q.locks[workID] = lock
	}
	q.workMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Enqueue registers a work for acquisition. Enqueueing a work that already
// has a live task returns that task unchanged; completed and failed history
// does not block a fresh request. While the admission gate is closed for an
// account health emergency, new work is refused outright.
func (q *Queue) Enqueue(ctx context.Context, title, author, correlationID string) (*Task, bool, error) {
	if q.GateLevel() == GateClosed {
		return nil, false, services.Wrap(services.ErrValidation, "queue", "enqueue",
			fmt.Sprintf("new work refused (%s)", FailureRatioBlock), ErrAdmissionBlocked)
	}

	workID := textutil.WorkKey(title, author)
	unlock := q.lockWork(workID)
	defer unlock()

	existing, err := q.store.FindLiveByWork(ctx, workID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	task, err := q.store.NewTask(ctx, workID, title, author, correlationID)
	if err != nil {
		return nil, false, err
	}
	q.logger.Info("task enqueued",
		logging.Int64(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldWorkID, workID),
		logging.String(logging.FieldCorrelationID, correlationID),
	)
	return task, true, nil
}

// Transition moves a task along a legal state machine edge and persists it.
func (q *Queue) Transition(ctx context.Context, task *Task, to Status) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()
	return q.transitionLocked(ctx, task, to)
}

func (q *Queue) transitionLocked(ctx context.Context, task *Task, to Status) error {
	if !CanTransition(task.Status, to) {
		return &TransitionError{TaskID: task.ID, From: task.Status, To: to}
	}
	from := task.Status
	task.Status = to
	if to == StatusCompleted {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	if err := q.store.Update(ctx, task); err != nil {
		task.Status = from
		return err
	}
	q.logger.Info("task transition",
		logging.Int64(logging.FieldTaskID, task.ID),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)
	return nil
}

// MarkSelected records the chosen release and ranked alternates, then moves
// the task to selected.
func (q *Queue) MarkSelected(ctx context.Context, task *Task, selected release.Candidate, alternates []release.Candidate) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()

	task.Selected = &selected
	task.Alternates = alternates
	return q.transitionLocked(ctx, task, StatusSelected)
}

// Admit checks the gate for a selection and moves an admitted task to
// queued_for_download. Gate refusals are not task failures; the task stays
// where it is until the gate reopens.
func (q *Queue) Admit(ctx context.Context, task *Task) error {
	gate := q.GateLevel()
	switch gate {
	case GateClosed:
		return ErrAdmissionBlocked
	case GateFreeOnly:
		if task.Selected == nil || !task.Selected.Freeleech {
			return ErrAdmissionBlocked
		}
	}
	return q.Transition(ctx, task, StatusQueued)
}

// ScheduleRetry records a retryable failure. The attempt counter advances
// and the next run is pushed out exponentially; once attempts are spent the
// task fails with the exhausted code.
func (q *Queue) ScheduleRetry(ctx context.Context, task *Task, message string) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()

	task.Attempt++
	if task.Attempt > q.attemptCap {
		task.FailureCode = FailureExhausted
		task.ErrorMsg = fmt.Sprintf("attempt cap reached: %s", message)
		return q.transitionLocked(ctx, task, StatusFailed)
	}

	// The first failure waits the base delay; Attempt is already advanced,
	// so the delay comes from the zero-based count.
	delay := services.RetryDelay(q.retryBase, q.retryMax, task.Attempt-1)
	next := time.Now().UTC().Add(delay)
	task.NextRetryAt = &next
	task.ErrorMsg = message
	if err := q.transitionLocked(ctx, task, StatusRetryScheduled); err != nil {
		return err
	}
	q.logger.Info("retry scheduled",
		logging.Int64(logging.FieldTaskID, task.ID),
		logging.Int("attempt", task.Attempt),
		logging.Duration("delay", delay),
	)
	return nil
}

// Fail terminates a task with a failure classification.
func (q *Queue) Fail(ctx context.Context, task *Task, code FailureCode, message string) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()

	task.FailureCode = code
	task.ErrorMsg = message
	return q.transitionLocked(ctx, task, StatusFailed)
}

// Complete terminates a task successfully.
func (q *Queue) Complete(ctx context.Context, task *Task) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()
	task.FailureCode = FailureNone
	task.ErrorMsg = ""
	return q.transitionLocked(ctx, task, StatusCompleted)
}

// NextAlternate promotes the best remaining alternate to the selection.
// With no alternates left the task fails as corrupt: the last payload failed
// verification and there is nothing else to try.
func (q *Queue) NextAlternate(ctx context.Context, task *Task) (bool, error) {
	unlock := q.lockWork(task.WorkID)
	defer unlock()

	if len(task.Alternates) == 0 {
		task.FailureCode = FailureCorrupt
		task.ErrorMsg = "payload failed verification and no alternate releases remain"
		return false, q.transitionLocked(ctx, task, StatusFailed)
	}
	next := task.Alternates[0]
	task.Selected = &next
	task.Alternates = task.Alternates[1:]
	task.DownloadID = ""
	return true, q.store.Update(ctx, task)
}

// SetPaused flips the pause sub-state on one task. Pausing does not change
// Status; a paused downloading task resumes as downloading.
func (q *Queue) SetPaused(ctx context.Context, task *Task, paused bool) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()
	task.Paused = paused
	return q.store.Update(ctx, task)
}

// PauseActive pauses every task in an active download state and returns the
// affected tasks.
func (q *Queue) PauseActive(ctx context.Context) ([]*Task, error) {
	return q.setActivePaused(ctx, true)
}

// ResumeActive clears the pause sub-state on active tasks.
func (q *Queue) ResumeActive(ctx context.Context) ([]*Task, error) {
	return q.setActivePaused(ctx, false)
}

func (q *Queue) setActivePaused(ctx context.Context, paused bool) ([]*Task, error) {
	tasks, err := q.store.List(ctx, StatusQueued, StatusDownloading, StatusVerifying)
	if err != nil {
		return nil, err
	}
	changed := make([]*Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Paused == paused {
			continue
		}
		if err := q.SetPaused(ctx, task, paused); err != nil {
			return changed, err
		}
		changed = append(changed, task)
	}
	return changed, nil
}

// RequestCancel marks a task for cancellation. The download monitor
// confirms the cancel after the client has released the transfer.
func (q *Queue) RequestCancel(ctx context.Context, task *Task) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()

	if task.Status.Terminal() {
		return services.Wrap(services.ErrValidation, "queue", "cancel", "task already terminal", nil)
	}
	task.Cancelling = true
	return q.store.Update(ctx, task)
}

// ConfirmCancel finishes a requested cancellation.
func (q *Queue) ConfirmCancel(ctx context.Context, task *Task) error {
	unlock := q.lockWork(task.WorkID)
	defer unlock()

	task.FailureCode = FailureCancelled
	task.ErrorMsg = "cancelled by operator"
	task.Cancelling = false
	return q.transitionLocked(ctx, task, StatusFailed)
}

// GateLevel returns the current admission level.
func (q *Queue) GateLevel() Gate {
	q.gateMu.RLock()
	defer q.gateMu.RUnlock()
	return q.gate
}

// SetGate changes the admission level. Reserved for the health guardian.
func (q *Queue) SetGate(level Gate) {
	q.gateMu.Lock()
	previous := q.gate
	q.gate = level
	q.gateMu.Unlock()
	if previous != level {
		q.logger.Info("admission gate changed",
			logging.String("from", string(previous)),
			logging.String("to", string(level)),
		)
	}
}
