package ratio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/logging"
	"bookfetch/internal/queue"
)

// Level is the guardian's posture.
type Level string

const (
	// LevelNormal runs the pipeline unrestricted.
	LevelNormal Level = "normal"
	// LevelConserve admits only freeleech selections and caps concurrency.
	LevelConserve Level = "conserve"
	// LevelEmergency halts all new downloads and spends stored credit.
	LevelEmergency Level = "emergency"
)

// Sampler fetches a fresh account health snapshot.
type Sampler interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Converter spends bonus currency on upload credit.
type Converter interface {
	BuyUploadCredit(ctx context.Context, points int64) error
}

// Notifier is the guardian's alert surface.
type Notifier interface {
	NotifyRatioEmergency(ctx context.Context, ratio float64) error
	NotifyRatioRecovered(ctx context.Context, ratio float64) error
}

// Guardian evaluates snapshots against trip thresholds with hysteresis:
// a level trips at its trip threshold and recovers only strictly above its
// resume threshold, so a ratio oscillating around one boundary cannot flap
// the pipeline.
type Guardian struct {
	sampler   Sampler
	converter Converter
	queue     *queue.Queue
	notifier  Notifier
	logger    *slog.Logger

	interval        time.Duration
	conserveTrip    float64
	conserveResume  float64
	emergencyTrip   float64
	emergencyResume float64
	conserveSlots   int
	wedgeCost       int64

	mu       sync.Mutex
	level    Level
	lastSeen Snapshot
}

// NewGuardian wires the closed control loop.
func NewGuardian(sampler Sampler, converter Converter, q *queue.Queue, notifier Notifier, cfg *config.Config, logger *slog.Logger) *Guardian {
	interval := time.Duration(cfg.Ratio.SampleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Guardian{
		sampler:         sampler,
		converter:       converter,
		queue:           q,
		notifier:        notifier,
		logger:          logging.NewComponentLogger(logger, "guardian"),
		interval:        interval,
		conserveTrip:    cfg.Ratio.ConserveTrip,
		conserveResume:  cfg.Ratio.ConserveResume,
		emergencyTrip:   cfg.Ratio.EmergencyTrip,
		emergencyResume: cfg.Ratio.EmergencyResume,
		conserveSlots:   cfg.Ratio.ConserveConcurrency,
		wedgeCost:       cfg.Ratio.WedgeCostPoints,
	}
}

// Level returns the current posture.
func (g *Guardian) Level() Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// LastSnapshot returns the most recent sample for the status surface.
func (g *Guardian) LastSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeen
}

// ConcurrencyCap returns the download slot limit for the current posture;
// zero means unlimited.
func (g *Guardian) ConcurrencyCap() int {
	switch g.Level() {
	case LevelConserve:
		return g.conserveSlots
	case LevelEmergency:
		return 0
	default:
		return 0
	}
}

// FreeOnly reports whether selection must be restricted to freeleech.
func (g *Guardian) FreeOnly() bool {
	return g.Level() != LevelNormal
}

// Run samples account health until the context ends. Sampling runs on its
// own timer, independent of task activity.
func (g *Guardian) Run(ctx context.Context) error {
	// Evaluate immediately so a restart under a bad ratio does not wait a
	// full interval before throttling.
	if err := g.Sample(ctx); err != nil {
		g.logger.Warn("initial health sample failed", logging.Error(err))
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Sample(ctx); err != nil {
				g.logger.Warn("health sample failed", logging.Error(err))
			}
		}
	}
}

// Sample fetches one snapshot and applies any posture change. A failed
// sample keeps the current posture; the guardian never loosens restrictions
// on missing data.
func (g *Guardian) Sample(ctx context.Context) error {
	snapshot, err := g.sampler.Snapshot(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.lastSeen = snapshot
	previous := g.level
	if previous == "" {
		previous = LevelNormal
		g.level = LevelNormal
	}
	next := evaluate(previous, snapshot.Ratio, thresholds{
		conserveTrip:    g.conserveTrip,
		conserveResume:  g.conserveResume,
		emergencyTrip:   g.emergencyTrip,
		emergencyResume: g.emergencyResume,
	})
	g.level = next
	g.mu.Unlock()

	if next != previous {
		g.applyTransition(ctx, previous, next, snapshot)
	}
	return nil
}

type thresholds struct {
	conserveTrip    float64
	conserveResume  float64
	emergencyTrip   float64
	emergencyResume float64
}

// evaluate is the hysteresis state function. Degradation uses trip
// thresholds, recovery requires strictly exceeding resume thresholds.
func evaluate(current Level, ratio float64, t thresholds) Level {
	switch current {
	case LevelEmergency:
		if ratio > t.conserveResume {
			return LevelNormal
		}
		if ratio > t.emergencyResume {
			return LevelConserve
		}
		return LevelEmergency
	case LevelConserve:
		if ratio < t.emergencyTrip {
			return LevelEmergency
		}
		if ratio > t.conserveResume {
			return LevelNormal
		}
		return LevelConserve
	default:
		if ratio < t.emergencyTrip {
			return LevelEmergency
		}
		if ratio < t.conserveTrip {
			return LevelConserve
		}
		return LevelNormal
	}
}

func (g *Guardian) applyTransition(ctx context.Context, from, to Level, snapshot Snapshot) {
	g.logger.Warn("account health posture changed",
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.Float64("ratio", snapshot.Ratio),
		logging.String(logging.FieldEventType, "posture_change"),
	)

	switch to {
	case LevelEmergency:
		g.queue.SetGate(queue.GateClosed)
		if _, err := g.queue.PauseActive(ctx); err != nil {
			g.logger.Warn("pausing active tasks failed", logging.Error(err))
		}
		g.spendCredit(ctx, snapshot)
		if g.notifier != nil {
			if err := g.notifier.NotifyRatioEmergency(ctx, snapshot.Ratio); err != nil {
				g.logger.Warn("emergency alert failed", logging.Error(err))
			}
		}
	case LevelConserve:
		g.queue.SetGate(queue.GateFreeOnly)
		if from == LevelEmergency {
			if _, err := g.queue.ResumeActive(ctx); err != nil {
				g.logger.Warn("resuming active tasks failed", logging.Error(err))
			}
		}
	case LevelNormal:
		g.queue.SetGate(queue.GateOpen)
		if from == LevelEmergency {
			if _, err := g.queue.ResumeActive(ctx); err != nil {
				g.logger.Warn("resuming active tasks failed", logging.Error(err))
			}
		}
		if g.notifier != nil {
			if err := g.notifier.NotifyRatioRecovered(ctx, snapshot.Ratio); err != nil {
				g.logger.Warn("recovery alert failed", logging.Error(err))
			}
		}
	}
}

// spendCredit converts stored bonus currency into upload credit during an
// emergency. Spending is best-effort; a failed conversion never blocks the
// halt itself.
func (g *Guardian) spendCredit(ctx context.Context, snapshot Snapshot) {
	if g.converter == nil || g.wedgeCost <= 0 {
		return
	}
	if snapshot.BonusPoints < g.wedgeCost {
		g.logger.Info("insufficient bonus points for upload credit",
			logging.Int64("balance", snapshot.BonusPoints),
			logging.Int64("required", g.wedgeCost),
		)
		return
	}
	if err := g.converter.BuyUploadCredit(ctx, g.wedgeCost); err != nil {
		g.logger.Warn("upload credit conversion failed", logging.Error(err))
		return
	}
	g.logger.Info("spent bonus points on upload credit",
		logging.Int64("points", g.wedgeCost),
		logging.String(logging.FieldEventType, "credit_spent"),
	)
}

// Describe renders the posture for the status surface.
func (g *Guardian) Describe() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	level := g.level
	if level == "" {
		level = LevelNormal
	}
	if g.lastSeen.SampledAt.IsZero() {
		return string(level)
	}
	return fmt.Sprintf("%s (ratio %.2f at %s)", level, g.lastSeen.Ratio, g.lastSeen.SampledAt.Format(time.RFC3339))
}
