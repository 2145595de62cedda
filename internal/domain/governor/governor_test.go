package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"spectra/internal/domain/errkind"
)

// recordedSleeps собирает запрошенные паузы вместо реального сна.
type recordedSleeps struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return nil
}

func (r *recordedSleeps) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.slept {
		sum += d
	}
	return sum
}

func TestClassPauseBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		class    OpClass
		min, max time.Duration
	}{
		{"message", OpMessage, 200 * time.Millisecond, 800 * time.Millisecond},
		{"invitation", OpInvitation, 120 * time.Second, 600 * time.Second},
		{"discovery", OpDiscovery, time.Second, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New()
			for i := 0; i < 200; i++ {
				p := g.classPause(tt.class)
				if p < tt.min || p > tt.max {
					t.Fatalf("pause %s out of [%s, %s]", p, tt.min, tt.max)
				}
			}
		})
	}
}

func TestInvitationBoundsFromConfig(t *testing.T) {
	t.Parallel()
	g := New(WithInvitationBounds(10*time.Second, 20*time.Second))
	for i := 0; i < 100; i++ {
		p := g.classPause(OpInvitation)
		if p < 10*time.Second || p > 20*time.Second {
			t.Fatalf("pause %s out of configured bounds", p)
		}
	}
}

func TestMessageBaseFromConfig(t *testing.T) {
	t.Parallel()
	g := New(WithMessageBase(2 * time.Second))
	for i := 0; i < 100; i++ {
		p := g.classPause(OpMessage)
		if p < 800*time.Millisecond || p > 3200*time.Millisecond {
			t.Fatalf("pause %s out of configured bounds", p)
		}
	}
}

func TestExpBackoffGrowthAndJitter(t *testing.T) {
	t.Parallel()
	g := New(WithRandom(func() float64 { return 0.5 })) // джиттер = 1.0

	for attempt, want := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	} {
		if got := g.expBackoff(attempt); got != want {
			t.Fatalf("expBackoff(%d) = %s, want %s", attempt, got, want)
		}
	}

	// Границы джиттера: U(0.7, 1.3) при v=0.3.
	low := New(WithRandom(func() float64 { return 0 })).expBackoff(0)
	high := New(WithRandom(func() float64 { return 1 })).expBackoff(0)
	if low != 700*time.Millisecond {
		t.Fatalf("low jitter = %s, want 700ms", low)
	}
	if high != 1300*time.Millisecond {
		t.Fatalf("high jitter = %s, want 1300ms", high)
	}
}

func TestFloodWaitHoldsAccountNotOthers(t *testing.T) {
	t.Parallel()
	g := New()

	g.OnFloodWait("acc1", time.Hour)
	if next := g.NextEligibleAt("acc1"); time.Until(next) < 59*time.Minute {
		t.Fatalf("acc1 next eligible = %s, want about an hour away", next)
	}
	if next := g.NextEligibleAt("acc2"); !next.IsZero() {
		t.Fatalf("acc2 next eligible = %s, want zero (unaffected)", next)
	}

	g.OnSuccess("acc1")
	if next := g.NextEligibleAt("acc1"); !next.IsZero() {
		t.Fatalf("acc1 next eligible after success = %s, want zero", next)
	}
}

func TestFloodWaitNeverShrinks(t *testing.T) {
	t.Parallel()
	g := New()

	g.OnFloodWait("acc1", time.Hour)
	longer := g.NextEligibleAt("acc1")
	g.OnFloodWait("acc1", time.Minute)
	if got := g.NextEligibleAt("acc1"); got.Before(longer) {
		t.Fatalf("shorter flood wait shrank the hold: %s < %s", got, longer)
	}
}

func TestDoRetriesFloodWaitWithoutAttemptGrowth(t *testing.T) {
	t.Parallel()
	sleeps := &recordedSleeps{}
	g := New(WithSleeper(sleeps.sleep), WithRandom(func() float64 { return 0 }))

	calls := 0
	err := g.Do(context.Background(), "acc1", OpMessage, func() error {
		calls++
		if calls == 1 {
			return errkind.NewFloodWait(42 * time.Second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	// Пауза сервера обязана быть отработана перед вторым вызовом.
	var held bool
	for _, d := range sleeps.slept {
		if d >= 41*time.Second {
			held = true
		}
	}
	if !held {
		t.Fatalf("flood wait not honoured; sleeps = %v", sleeps.slept)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	g := New(WithSleeper((&recordedSleeps{}).sleep))

	calls := 0
	wantErr := errkind.Newf(errkind.EntityAccess, "channel is private")
	err := g.Do(context.Background(), "acc1", OpMessage, func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Do: err = %v, want original", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries)", calls)
	}
}

func TestDoRetriesTimeoutsUpToCap(t *testing.T) {
	t.Parallel()
	g := New(WithSleeper((&recordedSleeps{}).sleep), WithMaxRetries(2), WithRandom(func() float64 { return 0.5 }))

	calls := 0
	err := g.Do(context.Background(), "acc1", OpMessage, func() error {
		calls++
		return errkind.Newf(errkind.NetworkTimeout, "dial timeout")
	})
	if err == nil {
		t.Fatal("Do succeeded, want exhausted retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestAdmitRespectsCancellation(t *testing.T) {
	t.Parallel()
	g := New()
	g.OnFloodWait("acc1", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Admit(ctx, "acc1", OpMessage)
	if errkind.KindOf(err) != errkind.Cancelled {
		t.Fatalf("Admit: err = %v, want Cancelled kind", err)
	}
}
