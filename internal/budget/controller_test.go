package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func newController(total, estimate int64) *Controller {
	cfg := DefaultConfig(total)
	cfg.InitialEstimate = estimate
	return New(cfg)
}

func usage(n int64) models.TokenUsage {
	return models.TokenUsage{Input: n / 2, Output: n - n/2}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusSoftLimit, "soft-limit"},
		{StatusHardLimit, "hard-limit"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestAcquireThresholds(t *testing.T) {
	tests := []struct {
		name        string
		consumed    int64
		estimate    int64
		wantGranted bool
		wantStatus  Status
		wantDelay   bool
	}{
		{name: "well under soft", consumed: 0, estimate: 100, wantGranted: true, wantStatus: StatusOK},
		{name: "exactly soft", consumed: 700, estimate: 100, wantGranted: true, wantStatus: StatusOK},
		{name: "between limits", consumed: 800, estimate: 50, wantGranted: true, wantStatus: StatusSoftLimit, wantDelay: true},
		{name: "exactly hard", consumed: 850, estimate: 100, wantGranted: true, wantStatus: StatusSoftLimit, wantDelay: true},
		{name: "over hard", consumed: 900, estimate: 100, wantGranted: false, wantStatus: StatusHardLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(1000, tt.estimate)
			c.Restore(State{Consumed: tt.consumed, Estimate: tt.estimate})

			g := c.Acquire("n")
			if g.Granted != tt.wantGranted {
				t.Fatalf("granted = %v, want %v (ratio %.3f)", g.Granted, tt.wantGranted, g.Ratio)
			}
			if g.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", g.Status, tt.wantStatus)
			}
			if (g.Delay > 0) != tt.wantDelay {
				t.Errorf("delay = %s, want delay %v", g.Delay, tt.wantDelay)
			}
		})
	}
}

func TestAcquireDenialLeavesStateUnchanged(t *testing.T) {
	c := newController(1000, 100)
	c.Restore(State{Consumed: 900, Estimate: 100})
	before := c.Stats()

	g := c.Acquire("n")
	if g.Granted {
		t.Fatal("expected denial")
	}
	after := c.Stats()
	if after.Reserved != before.Reserved || after.Consumed != before.Consumed || after.InFlight != 0 {
		t.Errorf("denial mutated state: before %+v after %+v", before, after)
	}
	if after.Denials != 1 {
		t.Errorf("expected 1 denial recorded, got %d", after.Denials)
	}
	if err := c.Release("n", usage(10)); !errors.Is(err, ErrNotReserved) {
		t.Errorf("expected ErrNotReserved releasing a denied node, got %v", err)
	}
}

func TestThrottleDelayStrictlyIncreases(t *testing.T) {
	var last time.Duration = -1
	for consumed := int64(810); consumed <= 940; consumed += 10 {
		c := newController(1000, 0)
		c.Restore(State{Consumed: consumed})

		g := c.Acquire("n")
		if !g.Granted {
			t.Fatalf("consumed %d: expected grant", consumed)
		}
		if g.Delay <= last {
			t.Fatalf("consumed %d: delay %s did not increase past %s", consumed, g.Delay, last)
		}
		if g.Delay > DefaultMaxThrottle {
			t.Fatalf("consumed %d: delay %s exceeds max", consumed, g.Delay)
		}
		last = g.Delay
	}
}

func TestThrottleDelayAtHardLimit(t *testing.T) {
	c := newController(1000, 0)
	c.Restore(State{Consumed: 950})
	g := c.Acquire("n")
	if !g.Granted {
		t.Fatal("expected grant at exactly the hard ratio")
	}
	if g.Delay != DefaultMaxThrottle {
		t.Errorf("expected max throttle at hard limit, got %s", g.Delay)
	}
}

func TestReleaseReturnsAcquireTimeReservation(t *testing.T) {
	c := newController(1_000_000, 500)

	g := c.Acquire("a")
	if g.Reserved != 500 {
		t.Fatalf("expected 500 reserved, got %d", g.Reserved)
	}
	// A completion between acquire and release changes the estimate.
	c.Acquire("b")
	if err := c.Release("b", usage(2000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Estimate() != 2000 {
		t.Fatalf("expected estimate 2000, got %d", c.Estimate())
	}

	if err := c.Release("a", usage(10_000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := c.Stats()
	if s.Reserved != 0 {
		t.Errorf("expected reserved back to 0, got %d", s.Reserved)
	}
	if s.Consumed != 12_000 {
		t.Errorf("expected consumed 12000, got %d", s.Consumed)
	}
}

func TestReleaseUnknownNode(t *testing.T) {
	c := newController(1000, 10)
	err := c.Release("ghost", usage(5))
	if !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
	if s := c.Stats(); s.Consumed != 0 || s.Completions != 0 {
		t.Errorf("expected no mutation, got %+v", s)
	}
}

func TestAcquireTwiceReturnsExistingReservation(t *testing.T) {
	c := newController(1_000_000, 100)
	first := c.Acquire("n")
	second := c.Acquire("n")
	if !second.Granted || second.Reserved != first.Reserved {
		t.Errorf("expected existing reservation, got %+v", second)
	}
	if s := c.Stats(); s.Reserved != 100 || s.InFlight != 1 {
		t.Errorf("expected a single reservation, got %+v", s)
	}
}

func TestRollingEstimateWindow(t *testing.T) {
	cfg := DefaultConfig(0)
	cfg.Window = 3
	c := New(cfg)

	for i, n := range []int64{100, 200, 300, 1000} {
		id := fmt.Sprintf("n%d", i)
		c.Acquire(id)
		if err := c.Release(id, usage(n)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Window holds 200, 300, 1000.
	if got := c.Estimate(); got != 500 {
		t.Errorf("expected estimate 500, got %d", got)
	}
}

func TestUnlimitedBudget(t *testing.T) {
	c := newController(0, 1_000_000)
	for i := 0; i < 10; i++ {
		g := c.Acquire(fmt.Sprintf("n%d", i))
		if !g.Granted || g.Delay != 0 || g.Status != StatusOK {
			t.Fatalf("expected unthrottled grant, got %+v", g)
		}
	}
	if c.Remaining() != -1 {
		t.Errorf("expected -1 remaining for unlimited budget, got %d", c.Remaining())
	}
	if c.EstimatedRemainingNodes() != -1 {
		t.Errorf("expected -1 remaining nodes for unlimited budget, got %d", c.EstimatedRemainingNodes())
	}
}

func TestCheckIsReadOnly(t *testing.T) {
	c := newController(1000, 100)
	c.Acquire("n")
	before := c.Stats()

	tests := []struct {
		usage int64
		want  Status
	}{
		{0, StatusOK},
		{750, StatusSoftLimit},
		{900, StatusHardLimit},
	}
	for _, tt := range tests {
		if got := c.Check(usage(tt.usage)); got != tt.want {
			t.Errorf("Check(%d) = %s, want %s", tt.usage, got, tt.want)
		}
	}
	if after := c.Stats(); after != before {
		t.Errorf("Check mutated state: before %+v after %+v", before, after)
	}
}

func TestRemainingAndEstimatedNodes(t *testing.T) {
	c := newController(10_000, 1000)
	c.Acquire("a")
	if got := c.Remaining(); got != 9000 {
		t.Errorf("expected 9000 remaining, got %d", got)
	}
	if got := c.EstimatedRemainingNodes(); got != 9 {
		t.Errorf("expected 9 remaining nodes, got %d", got)
	}
}

func TestStateRestore(t *testing.T) {
	c := newController(100_000, 100)
	c.Acquire("a")
	_ = c.Release("a", usage(300))
	c.Acquire("b")

	s := c.State()
	restored := newController(100_000, 100)
	restored.Restore(s)

	st := restored.Stats()
	if st.Consumed != 300 || st.Estimate != 300 {
		t.Errorf("unexpected restored stats: %+v", st)
	}
	if st.Reserved != 0 || st.InFlight != 0 {
		t.Errorf("expected no reservations after restore, got %+v", st)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	c := newController(0, 10)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("n%d", i)
			if g := c.Acquire(id); g.Granted {
				_ = c.Release(id, usage(10))
			}
		}(i)
	}
	wg.Wait()

	s := c.Stats()
	if s.Reserved != 0 || s.InFlight != 0 {
		t.Errorf("expected all reservations released, got %+v", s)
	}
	if s.Consumed != 500 {
		t.Errorf("expected consumed 500, got %d", s.Consumed)
	}
}

func TestWait(t *testing.T) {
	if err := Wait(context.Background(), Grant{Granted: true}); err != nil {
		t.Errorf("unexpected error for zero delay: %v", err)
	}

	start := time.Now()
	if err := Wait(context.Background(), Grant{Granted: true, Delay: 20 * time.Millisecond}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Wait returned before the delay elapsed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, Grant{Granted: true, Delay: time.Hour}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSetLimits(t *testing.T) {
	c := newController(1000, 100)
	c.Restore(State{Consumed: 650, Estimate: 100})
	if g := c.Acquire("a"); g.Status != StatusOK {
		t.Fatalf("expected ok before tightening limits, got %s", g.Status)
	}
	c.SetLimits(0.5, 0.8, time.Second)
	if got := c.Check(models.TokenUsage{}); got != StatusSoftLimit {
		t.Errorf("expected soft-limit after tightening, got %s", got)
	}
}
