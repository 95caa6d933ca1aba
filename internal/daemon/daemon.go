package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"bookfetch/internal/config"
	"bookfetch/internal/discovery"
	"bookfetch/internal/downloader"
	"bookfetch/internal/identity"
	"bookfetch/internal/indexer"
	"bookfetch/internal/logging"
	"bookfetch/internal/notifications"
	"bookfetch/internal/pacing"
	"bookfetch/internal/queue"
	"bookfetch/internal/ratio"
	"bookfetch/internal/session"
	"bookfetch/internal/tracker"
	"bookfetch/internal/workflow"
)

// Daemon owns the assembled pipeline and the instance lock.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	queue    *queue.Queue
	workflow *workflow.Manager
	router   *identity.Router
	session  *session.Manager
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Build constructs the daemon and every component it coordinates.
func Build(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	router, err := identity.NewRouter(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tunneled, err := router.Acquire(identity.Tunneled)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	direct, err := router.Acquire(identity.Direct)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	pacer := pacing.NewController(cfg)
	notifier := notifications.NewService(cfg)

	sessionStore := session.NewFileStateStore(filepath.Join(cfg.Paths.StateDir, "session.json"))
	refreshMargin := time.Duration(cfg.Workflow.SessionRefreshMargin) * time.Second
	sess := session.NewManager(
		identity.Tunneled,
		cfg.Tracker.BaseURL,
		session.Credentials{Username: cfg.Tracker.Username, Password: cfg.Tracker.Password},
		tunneled,
		pacer,
		sessionStore,
		refreshMargin,
		logger,
	)

	trackerClient, err := tracker.NewClient(cfg, tunneled, sess, pacer, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var aggregator discovery.Aggregator
	if cfg.Indexer.Enabled {
		indexerClient, err := indexer.NewClient(cfg, direct, pacer, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		aggregator = indexerClient
	}

	taskQueue := queue.New(store, cfg, logger)
	engine := discovery.NewEngine(aggregator, trackerClient, store, cfg, logger)
	guardian := ratio.NewGuardian(trackerClient, trackerClient, taskQueue, notifier, cfg, logger)
	searchStage := workflow.NewSearchStage(engine, taskQueue, guardian, notifier, logger)
	clientAPI := downloader.NewHTTPClient(cfg)
	orchestrator := downloader.NewOrchestrator(clientAPI, taskQueue, trackerClient, notifier, cfg, logger)
	manager := workflow.NewManager(cfg, taskQueue, searchStage, orchestrator, guardian, notifier, logger)

	lockPath := filepath.Join(cfg.Paths.StateDir, "bookfetchd.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		queue:    taskQueue,
		workflow: manager,
		router:   router,
		session:  sess,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Workflow exposes the manager for the status surface.
func (d *Daemon) Workflow() *workflow.Manager { return d.workflow }

// Queue exposes the task queue for operator commands.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Start validates the tunnel, restores the session, and launches the lanes.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another bookfetchd instance is already running")
	}

	// Tracker traffic must never leave through an unexpected egress. A
	// failed validation disables the tunnel permanently and aborts startup;
	// there is no fallback route for tracker traffic.
	if err := d.router.ValidateEgress(ctx); err != nil {
		_ = d.lock.Unlock()
		if notifyErr := d.notifier.NotifyIdentityIntegrity(ctx, err.Error()); notifyErr != nil {
			d.logger.Warn("identity integrity alert failed", logging.Error(notifyErr))
		}
		return fmt.Errorf("egress validation: %w", err)
	}

	if err := d.session.Restore(ctx); err != nil {
		d.logger.Warn("session restore failed, will authenticate on demand", logging.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("bookfetchd started",
		logging.String("lock", d.lockPath),
		logging.String("db", d.store.Path()),
	)
	return nil
}

// Stop halts processing and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("bookfetchd stopped")
}

// Close stops the daemon and releases held resources.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
