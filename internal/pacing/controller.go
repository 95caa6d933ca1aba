package pacing

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"bookfetch/internal/config"
	"bookfetch/internal/identity"
	"bookfetch/internal/services"
)

// ErrSessionBudget is returned by WaitForSlot when the identity has spent its
// per-session request budget. The session must be rotated or rested and the
// budget reset before further requests.
var ErrSessionBudget = errors.New("session request budget exhausted")

type state struct {
	lastRequest     time.Time
	multiplier      float64
	successStreak   int
	sessionRequests int
}

// Controller tracks per-identity timing state. It is shared across
// concurrent discovery operations; all state access is synchronized.
type Controller struct {
	mu sync.Mutex

	profiles      map[identity.Kind]config.PacingProfile
	multiplierCap float64
	resetAfter    int

	states map[identity.Kind]*state

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	rng   *rand.Rand
}

// Option overrides controller internals, used by tests for determinism.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep replaces the blocking sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithRand replaces the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// NewController builds a controller from the configured pacing profiles.
func NewController(cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		profiles: map[identity.Kind]config.PacingProfile{
			identity.Tunneled: cfg.Pacing.Tracker,
			identity.Direct:   cfg.Pacing.Open,
		},
		multiplierCap: cfg.Pacing.FailureMultiplierCap,
		resetAfter:    cfg.Pacing.ResetAfterSuccesses,
		states: map[identity.Kind]*state{
			identity.Tunneled: {multiplier: 1},
			identity.Direct:   {multiplier: 1},
		},
		now:   time.Now,
		sleep: services.SleepWithContext,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitForSlot blocks until the identity's next request slot. It returns
// ErrSessionBudget once the session budget is spent, without consuming a
// slot.
func (c *Controller) WaitForSlot(ctx context.Context, kind identity.Kind) error {
	c.mu.Lock()
	st, profile, ok := c.lookup(kind)
	if !ok {
		c.mu.Unlock()
		return services.Wrap(services.ErrValidation, "pacing", "wait", "unknown identity kind", nil)
	}
	if profile.SessionBudget > 0 && st.sessionRequests >= profile.SessionBudget {
		c.mu.Unlock()
		return ErrSessionBudget
	}

	delay := c.slotDelayLocked(st, profile)
	st.sessionRequests++
	last := st.lastRequest
	now := c.now()
	st.lastRequest = now
	c.mu.Unlock()

	if last.IsZero() {
		return nil
	}
	remaining := delay - now.Sub(last)
	if remaining <= 0 {
		return nil
	}
	if err := c.sleep(ctx, remaining); err != nil {
		return err
	}

	c.mu.Lock()
	st.lastRequest = c.now()
	c.mu.Unlock()
	return nil
}

// slotDelayLocked computes the full delay for the next request: base delay
// scaled by the failure multiplier, jittered, plus an occasional idle pause
// on human-like profiles.
func (c *Controller) slotDelayLocked(st *state, profile config.PacingProfile) time.Duration {
	base := time.Duration(profile.BaseDelayMS) * time.Millisecond
	delay := time.Duration(float64(base) * st.multiplier)
	if profile.JitterFraction > 0 {
		spread := float64(delay) * profile.JitterFraction
		delay += time.Duration((c.rng.Float64()*2 - 1) * spread)
	}
	if profile.IdleEveryRequests > 0 && st.sessionRequests > 0 &&
		st.sessionRequests%profile.IdleEveryRequests == 0 {
		delay += time.Duration(profile.IdlePauseMS) * time.Millisecond
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// OnFailure doubles the identity's delay multiplier up to the configured cap
// and clears its success streak.
func (c *Controller) OnFailure(kind identity.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _, ok := c.lookup(kind)
	if !ok {
		return
	}
	st.successStreak = 0
	st.multiplier *= 2
	if st.multiplier > c.multiplierCap {
		st.multiplier = c.multiplierCap
	}
}

// OnSuccess records a successful request; after the configured streak the
// failure multiplier resets to 1.
func (c *Controller) OnSuccess(kind identity.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _, ok := c.lookup(kind)
	if !ok {
		return
	}
	st.successStreak++
	if st.successStreak >= c.resetAfter {
		st.multiplier = 1
	}
}

// SessionBudgetExceeded reports whether the identity has spent its budget.
func (c *Controller) SessionBudgetExceeded(kind identity.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, profile, ok := c.lookup(kind)
	if !ok {
		return false
	}
	return profile.SessionBudget > 0 && st.sessionRequests >= profile.SessionBudget
}

// ResetSession clears the per-session request counter after a session
// rotation or rest.
func (c *Controller) ResetSession(kind identity.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, _, ok := c.lookup(kind); ok {
		st.sessionRequests = 0
	}
}

// Multiplier exposes the current failure multiplier, used in logs and tests.
func (c *Controller) Multiplier(kind identity.Kind) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, _, ok := c.lookup(kind); ok {
		return st.multiplier
	}
	return 0
}

func (c *Controller) lookup(kind identity.Kind) (*state, config.PacingProfile, bool) {
	st, ok := c.states[kind]
	if !ok {
		return nil, config.PacingProfile{}, false
	}
	return st, c.profiles[kind], true
}
