package pacing_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"bookfetch/internal/identity"
	"bookfetch/internal/pacing"
	"bookfetch/internal/testsupport"
)

// fakeClock advances only when told, so slot delays are observable without
// real sleeping.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestWaitForSlotFirstRequestImmediate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.Tracker.BaseDelayMS = 60000

	slept := time.Duration(0)
	c := pacing.NewController(cfg,
		pacing.WithSleep(func(_ context.Context, d time.Duration) error {
			slept += d
			return nil
		}),
	)

	if err := c.WaitForSlot(context.Background(), identity.Tunneled); err != nil {
		t.Fatalf("WaitForSlot failed: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first request must not wait, slept %s", slept)
	}
}

func TestWaitForSlotEnforcesBaseDelay(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.Tracker.BaseDelayMS = 2000
	cfg.Pacing.Tracker.JitterFraction = 0

	clock := &fakeClock{now: time.Unix(1000, 0)}
	var slept []time.Duration
	c := pacing.NewController(cfg,
		pacing.WithClock(clock.Now),
		pacing.WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			clock.Advance(d)
			return nil
		}),
	)

	ctx := context.Background()
	if err := c.WaitForSlot(ctx, identity.Tunneled); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	clock.Advance(500 * time.Millisecond)
	if err := c.WaitForSlot(ctx, identity.Tunneled); err != nil {
		t.Fatalf("second slot: %v", err)
	}

	if len(slept) != 1 || slept[0] != 1500*time.Millisecond {
		t.Fatalf("expected a single 1.5s wait, got %v", slept)
	}
}

func TestFailureMultiplierDoublesAndCaps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.FailureMultiplierCap = 8

	c := pacing.NewController(cfg)

	for i := 0; i < 5; i++ {
		c.OnFailure(identity.Tunneled)
	}
	if got := c.Multiplier(identity.Tunneled); got != 8 {
		t.Fatalf("multiplier should cap at 8, got %v", got)
	}
}

func TestSuccessStreakResetsMultiplier(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.ResetAfterSuccesses = 3

	c := pacing.NewController(cfg)
	c.OnFailure(identity.Tunneled)
	c.OnFailure(identity.Tunneled)
	if got := c.Multiplier(identity.Tunneled); got != 4 {
		t.Fatalf("expected multiplier 4 after two failures, got %v", got)
	}

	c.OnSuccess(identity.Tunneled)
	c.OnSuccess(identity.Tunneled)
	if got := c.Multiplier(identity.Tunneled); got != 4 {
		t.Fatalf("multiplier must hold until the streak completes, got %v", got)
	}

	c.OnSuccess(identity.Tunneled)
	if got := c.Multiplier(identity.Tunneled); got != 1 {
		t.Fatalf("expected multiplier reset after streak, got %v", got)
	}
}

func TestFailureClearsSuccessStreak(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.ResetAfterSuccesses = 3

	c := pacing.NewController(cfg)
	c.OnFailure(identity.Tunneled)
	c.OnSuccess(identity.Tunneled)
	c.OnSuccess(identity.Tunneled)
	c.OnFailure(identity.Tunneled)
	c.OnSuccess(identity.Tunneled)
	c.OnSuccess(identity.Tunneled)
	if got := c.Multiplier(identity.Tunneled); got != 4 {
		t.Fatalf("interleaved failure should restart the streak, got %v", got)
	}
}

func TestSessionBudgetExhaustion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.Tracker.SessionBudget = 3

	c := pacing.NewController(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.WaitForSlot(ctx, identity.Tunneled); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	if err := c.WaitForSlot(ctx, identity.Tunneled); !errors.Is(err, pacing.ErrSessionBudget) {
		t.Fatalf("expected ErrSessionBudget, got %v", err)
	}
	if !c.SessionBudgetExceeded(identity.Tunneled) {
		t.Fatal("SessionBudgetExceeded should report true")
	}

	c.ResetSession(identity.Tunneled)
	if c.SessionBudgetExceeded(identity.Tunneled) {
		t.Fatal("budget should clear after ResetSession")
	}
	if err := c.WaitForSlot(ctx, identity.Tunneled); err != nil {
		t.Fatalf("post-reset request: %v", err)
	}
}

func TestIdentitiesPacedIndependently(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	c := pacing.NewController(cfg)
	c.OnFailure(identity.Tunneled)
	c.OnFailure(identity.Tunneled)

	if got := c.Multiplier(identity.Direct); got != 1 {
		t.Fatalf("direct identity must be unaffected by tunneled failures, got %v", got)
	}
}

func TestIdlePauseEveryN(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.Open.BaseDelayMS = 1000
	cfg.Pacing.Open.JitterFraction = 0
	cfg.Pacing.Open.IdleEveryRequests = 2
	cfg.Pacing.Open.IdlePauseMS = 5000

	clock := &fakeClock{now: time.Unix(1000, 0)}
	var slept []time.Duration
	c := pacing.NewController(cfg,
		pacing.WithClock(clock.Now),
		pacing.WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			clock.Advance(d)
			return nil
		}),
		pacing.WithRand(rand.New(rand.NewSource(1))),
	)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := c.WaitForSlot(ctx, identity.Direct); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	// The idle pause lands on the request after every second one.
	if len(slept) != 3 {
		t.Fatalf("expected three waits, got %v", slept)
	}
	if slept[0] != 1*time.Second {
		t.Fatalf("second request should pace at the base delay, got %s", slept[0])
	}
	if slept[1] != 6*time.Second {
		t.Fatalf("third request should include the idle pause, got %s", slept[1])
	}
	if slept[2] != 1*time.Second {
		t.Fatalf("fourth request should pace at the base delay, got %s", slept[2])
	}
}

func TestWaitForSlotHonorsContextCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pacing.Tracker.BaseDelayMS = 60000

	c := pacing.NewController(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.WaitForSlot(ctx, identity.Tunneled); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	cancel()
	if err := c.WaitForSlot(ctx, identity.Tunneled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
