package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/downloader"
	"bookfetch/internal/logging"
	"bookfetch/internal/notifications"
	"bookfetch/internal/queue"
	"bookfetch/internal/ratio"
)

// Searcher is the discovery-and-selection stage contract.
type Searcher interface {
	Search(ctx context.Context, task *queue.Task) error
}

// Manager coordinates the pipeline lanes over the task queue.
type Manager struct {
	cfg      *config.Config
	queue    *queue.Queue
	store    *queue.Store
	searcher Searcher
	orch     *downloader.Orchestrator
	guardian *ratio.Guardian
	notifier notifications.Service
	logger   *slog.Logger

	pollInterval  time.Duration
	errorInterval time.Duration
	maxConcurrent int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, q *queue.Queue, searcher Searcher, orch *downloader.Orchestrator, guardian *ratio.Guardian, notifier notifications.Service, logger *slog.Logger) *Manager {
	poll := time.Duration(cfg.Workflow.QueuePollInterval) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	errInterval := time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second
	if errInterval <= 0 {
		errInterval = poll
	}
	maxConcurrent := cfg.Workflow.MaxConcurrentWorks
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Manager{
		cfg:           cfg,
		queue:         q,
		store:         q.Store(),
		searcher:      searcher,
		orch:          orch,
		guardian:      guardian,
		notifier:      notifier,
		logger:        logging.NewComponentLogger(logger, "workflow"),
		pollInterval:  poll,
		errorInterval: errInterval,
		maxConcurrent: maxConcurrent,
	}
}

// Start recovers interrupted work and launches the lanes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}

	reset, err := m.store.ResetInterrupted(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if reset > 0 {
		m.logger.Info("recovered interrupted tasks", logging.Int64("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(4)
	m.mu.Unlock()

	go m.runDiscoveryLane(runCtx)
	go m.runDownloadLane(runCtx)
	go m.runRetryLane(runCtx)
	go m.runGuardian(runCtx)
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// LastError reports the most recent lane fault for the status surface.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) runGuardian(ctx context.Context) {
	defer m.wg.Done()
	if m.guardian == nil {
		return
	}
	if err := m.guardian.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.setLastError(err)
	}
}

func (m *Manager) waitOrShutdown(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
