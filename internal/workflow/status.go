package workflow

import (
	"context"

	"bookfetch/internal/queue"
	"bookfetch/internal/stage"
)

// Status is a point-in-time operator view of the pipeline.
type Status struct {
	Queue     queue.HealthSummary
	Gate      queue.Gate
	Posture   string
	Tasks     []*queue.Task
	LastError string
}

// Status assembles the operator status snapshot.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	health, err := m.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	tasks, err := m.store.List(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Queue: health,
		Gate:  m.queue.GateLevel(),
		Tasks: tasks,
	}
	if m.guardian != nil {
		status.Posture = m.guardian.Describe()
	}
	if err := m.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status, nil
}

// HealthChecks reports stage readiness for diagnostics.
func (m *Manager) HealthChecks(ctx context.Context) []stage.Health {
	var checks []stage.Health
	if checker, ok := m.searcher.(interface {
		HealthCheck(context.Context) stage.Health
	}); ok {
		checks = append(checks, checker.HealthCheck(ctx))
	}
	if _, err := m.store.Stats(ctx); err != nil {
		checks = append(checks, stage.Unhealthy("queue", err.Error()))
	} else {
		checks = append(checks, stage.Healthy("queue"))
	}
	return checks
}
