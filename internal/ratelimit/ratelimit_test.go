package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestLimiter creates a limiter with a fast sweep interval and a
// cancellable context for tests. Returns the limiter and a cancel func to
// stop the sweeper goroutine.
func newTestLimiter(opts ...Option) (*Limiter, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defaults := []Option{
		WithLimits(3, 100),
		WithSweepInterval(25 * time.Millisecond),
	}
	all := append(defaults, opts...)
	l := New(ctx, all...)
	return l, cancel
}

func TestCheckAndRecord_AllowsUpToMinuteThreshold(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(3, 100))
	defer cancel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		d := l.CheckAndRecord("user:1", base.Add(time.Duration(i)*time.Second))
		if !d.Allowed {
			t.Fatalf("request %d should be allowed (below threshold)", i+1)
		}
	}

	d := l.CheckAndRecord("user:1", base.Add(3*time.Second))
	if d.Allowed {
		t.Fatal("request 4 should be denied (minute threshold reached)")
	}
	if d.Window != WindowMinute {
		t.Errorf("triggering window = %q, want %q", d.Window, WindowMinute)
	}
}

// The canonical walkthrough: 3/minute, requests at t=0,1,2 all pass, t=3 is
// denied with a 57s retry estimate, t=61 passes again once the window rolls.
func TestCheckAndRecord_MinuteWindowRollsOver(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(3, 100))
	defer cancel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	for _, sec := range []int{0, 1, 2} {
		if d := l.CheckAndRecord("A", at(sec)); !d.Allowed {
			t.Fatalf("t=%d should be allowed", sec)
		}
	}

	d := l.CheckAndRecord("A", at(3))
	if d.Allowed {
		t.Fatal("t=3 should be denied")
	}
	if d.Window != WindowMinute {
		t.Errorf("window = %q, want minute", d.Window)
	}
	// oldest in-window entry is t=0, expiring at t=60
	if want := 57 * time.Second; d.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}

	if d := l.CheckAndRecord("A", at(61)); !d.Allowed {
		t.Fatal("t=61 should be allowed (window rolled over)")
	}
}

// 10/minute inside 100/hour: the 11th request in the same minute is denied
// by the minute window while the hourly count is nowhere near its limit.
func TestCheckAndRecord_MinuteTripsBeforeHour(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(10, 100))
	defer cancel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d := l.CheckAndRecord("B", base.Add(time.Duration(i)*time.Second))
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := l.CheckAndRecord("B", base.Add(10*time.Second))
	if d.Allowed {
		t.Fatal("11th request in the same minute should be denied")
	}
	if d.Window != WindowMinute {
		t.Errorf("window = %q, want minute (hourly budget still open)", d.Window)
	}
}

func TestCheckAndRecord_HourThreshold(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(100, 5))
	defer cancel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// spread 5 requests over 5 minutes so the minute window never trips
	for i := 0; i < 5; i++ {
		d := l.CheckAndRecord("C", base.Add(time.Duration(i)*time.Minute))
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := l.CheckAndRecord("C", base.Add(6*time.Minute))
	if d.Allowed {
		t.Fatal("6th request should be denied (hour threshold)")
	}
	if d.Window != WindowHour {
		t.Errorf("window = %q, want hour", d.Window)
	}
	// oldest entry at base expires at base+1h
	if want := 54 * time.Minute; d.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}
}

func TestCheckAndRecord_EntriesOlderThanHourExcluded(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(3, 5))
	defer cancel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// fill the hourly budget
	for i := 0; i < 5; i++ {
		l.CheckAndRecord("D", base.Add(time.Duration(i)*time.Minute))
	}
	if d := l.CheckAndRecord("D", base.Add(6*time.Minute)); d.Allowed {
		t.Fatal("should be denied with hour budget full")
	}

	// 61 minutes after the first request, it has aged out of both windows
	if d := l.CheckAndRecord("D", base.Add(61*time.Minute)); !d.Allowed {
		t.Fatal("should be allowed after oldest entry expires")
	}
}

func TestCheckAndRecord_IdentitiesIndependent(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(2, 100))
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l.CheckAndRecord("user:1", now)
	l.CheckAndRecord("user:1", now)
	if d := l.CheckAndRecord("user:1", now); d.Allowed {
		t.Fatal("user:1 should be denied after exhausting its budget")
	}

	if d := l.CheckAndRecord("user:2", now); !d.Allowed {
		t.Fatal("user:2 should be unaffected by user:1's counter")
	}
}

// Denial must never occur before the threshold is reached and never fail to
// occur once it is, across a range of thresholds.
func TestCheckAndRecord_ExactThresholdBoundary(t *testing.T) {
	for _, limit := range []int{1, 2, 5, 10} {
		t.Run(fmt.Sprintf("limit_%d", limit), func(t *testing.T) {
			l, cancel := newTestLimiter(WithLimits(limit, 1000))
			defer cancel()

			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < limit; i++ {
				if d := l.CheckAndRecord("x", now); !d.Allowed {
					t.Fatalf("request %d denied before threshold %d", i+1, limit)
				}
			}
			if d := l.CheckAndRecord("x", now); d.Allowed {
				t.Fatalf("request %d allowed past threshold %d", limit+1, limit)
			}
		})
	}
}

func TestCheckAndRecord_RemainingCounts(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(3, 10))
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d := l.CheckAndRecord("E", now)
	if d.MinuteRemaining != 2 || d.HourRemaining != 9 {
		t.Errorf("after 1st: minute=%d hour=%d, want 2/9", d.MinuteRemaining, d.HourRemaining)
	}

	d = l.CheckAndRecord("E", now)
	if d.MinuteRemaining != 1 || d.HourRemaining != 8 {
		t.Errorf("after 2nd: minute=%d hour=%d, want 1/8", d.MinuteRemaining, d.HourRemaining)
	}
}

func TestPeek_DoesNotRecord(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(2, 100))
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// any number of pure checks must not change future decisions
	for i := 0; i < 50; i++ {
		if d := l.Peek("F", now); !d.Allowed {
			t.Fatalf("peek %d should report allowed", i+1)
		}
	}

	if d := l.CheckAndRecord("F", now); !d.Allowed {
		t.Fatal("first recorded request should be allowed after peeks")
	}
	if d := l.CheckAndRecord("F", now); !d.Allowed {
		t.Fatal("second recorded request should be allowed after peeks")
	}
	if d := l.CheckAndRecord("F", now); d.Allowed {
		t.Fatal("third recorded request should be denied")
	}
}

func TestPeek_ReportsDenialWithoutHooks(t *testing.T) {
	var denied atomic.Int32
	l, cancel := newTestLimiter(
		WithLimits(1, 100),
		WithOnDenied(func(string, Window) { denied.Add(1) }),
	)
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.CheckAndRecord("G", now)

	d := l.Peek("G", now)
	if d.Allowed {
		t.Fatal("peek should report denial once budget is spent")
	}
	if d.Window != WindowMinute {
		t.Errorf("window = %q, want minute", d.Window)
	}
	if got := denied.Load(); got != 0 {
		t.Errorf("OnDenied fired %d times during Peek, want 0", got)
	}
}

func TestOnFirstDenied_CalledOnce(t *testing.T) {
	var firstCount atomic.Int32

	l, cancel := newTestLimiter(
		WithLimits(1, 100),
		WithOnFirstDenied(func(identity string) {
			firstCount.Add(1)
		}),
	)
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.CheckAndRecord("user:9", now)

	for i := 0; i < 10; i++ {
		l.CheckAndRecord("user:9", now)
	}

	if got := firstCount.Load(); got != 1 {
		t.Fatalf("OnFirstDenied called %d times, want 1", got)
	}
}

func TestOnDenied_CalledEveryDenial(t *testing.T) {
	var deniedCount atomic.Int32

	l, cancel := newTestLimiter(
		WithLimits(2, 100),
		WithOnDenied(func(identity string, window Window) {
			if window != WindowMinute {
				t.Errorf("window = %q, want minute", window)
			}
			deniedCount.Add(1)
		}),
	)
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.CheckAndRecord("user:9", now)
	l.CheckAndRecord("user:9", now)

	for i := 0; i < 5; i++ {
		l.CheckAndRecord("user:9", now)
	}

	if got := deniedCount.Load(); got != 5 {
		t.Fatalf("OnDenied called %d times, want 5", got)
	}
}

func TestOnFirstDenied_PerIdentity(t *testing.T) {
	seen := make(map[string]int)
	var mu sync.Mutex

	l, cancel := newTestLimiter(
		WithLimits(1, 100),
		WithOnFirstDenied(func(identity string) {
			mu.Lock()
			seen[identity]++
			mu.Unlock()
		}),
	)
	defer cancel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l.CheckAndRecord("a", now)
	l.CheckAndRecord("a", now) // denied, first for a
	l.CheckAndRecord("a", now) // denied again, no callback

	l.CheckAndRecord("b", now)
	l.CheckAndRecord("b", now) // denied, first for b

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 {
		t.Errorf("OnFirstDenied for a: got %d, want 1", seen["a"])
	}
	if seen["b"] != 1 {
		t.Errorf("OnFirstDenied for b: got %d, want 1", seen["b"])
	}
}

func TestSweeper_EvictsIdleIdentities(t *testing.T) {
	l, cancel := newTestLimiter()
	defer cancel()

	// an identity whose only request is already ancient
	l.CheckAndRecord("stale", time.Now().Add(-2*time.Hour))

	if got := l.Tracked(); got != 1 {
		t.Fatalf("tracked = %d before sweep, want 1", got)
	}

	// wait a couple of sweep cycles
	time.Sleep(80 * time.Millisecond)

	if got := l.Tracked(); got != 0 {
		t.Fatalf("tracked = %d after sweep, want 0", got)
	}
}

func TestSweeper_KeepsActiveIdentities(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(100, 1000))
	defer cancel()

	l.CheckAndRecord("active", time.Now())
	time.Sleep(80 * time.Millisecond)

	if got := l.Tracked(); got != 1 {
		t.Fatalf("tracked = %d, want 1 (recent identity must survive sweeps)", got)
	}
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	l, cancel := newTestLimiter()

	l.CheckAndRecord("stale", time.Now().Add(-2*time.Hour))
	cancel()
	time.Sleep(80 * time.Millisecond)

	// sweeper is stopped, the stale entry persists
	if got := l.Tracked(); got != 1 {
		t.Fatalf("tracked = %d, want 1 after sweeper cancelled", got)
	}
}

func TestOnFirstDenied_ResetsAfterEviction(t *testing.T) {
	var firstCount atomic.Int32

	l, cancel := newTestLimiter(
		WithLimits(1, 100),
		WithOnFirstDenied(func(identity string) {
			firstCount.Add(1)
		}),
	)
	defer cancel()

	old := time.Now().Add(-90 * time.Minute)
	l.CheckAndRecord("h", old)
	l.CheckAndRecord("h", old) // denied, fires (count = 1)

	if got := firstCount.Load(); got != 1 {
		t.Fatalf("after first denial: OnFirstDenied = %d, want 1", got)
	}

	// wait for eviction, then re-trip with a fresh entry
	time.Sleep(80 * time.Millisecond)
	now := time.Now()
	l.CheckAndRecord("h", now)
	l.CheckAndRecord("h", now) // denied, fresh entry, fires again

	if got := firstCount.Load(); got != 2 {
		t.Fatalf("after re-entry: OnFirstDenied = %d, want 2", got)
	}
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(ctx)

	if l.perMinute != 10 {
		t.Errorf("default perMinute = %d, want 10", l.perMinute)
	}
	if l.perHour != 100 {
		t.Errorf("default perHour = %d, want 100", l.perHour)
	}
	if l.maxIdentities != 10000 {
		t.Errorf("default maxIdentities = %d, want 10000", l.maxIdentities)
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(1, 100))
	defer cancel()

	now := time.Now()
	l.CheckAndRecord("x", now)
	l.CheckAndRecord("x", now) // denied, no callbacks set - must not panic
}

func TestMaxIdentities_NewIdentityRejectedAtCapacity(t *testing.T) {
	var capCount atomic.Int32

	l, cancel := newTestLimiter(
		WithLimits(10, 100),
		WithMaxIdentities(2),
		WithOnCapacity(func() { capCount.Add(1) }),
	)
	defer cancel()

	now := time.Now()
	l.CheckAndRecord("a", now)
	l.CheckAndRecord("b", now)

	// third identity bounces off the cap
	d := l.CheckAndRecord("c", now)
	if d.Allowed {
		t.Fatal("new identity should be rejected at capacity")
	}
	if d.Window != "" {
		t.Errorf("capacity rejection window = %q, want empty", d.Window)
	}

	// known identities keep flowing
	if d := l.CheckAndRecord("a", now); !d.Allowed {
		t.Fatal("existing identity should still be served at capacity")
	}

	// repeated capacity hits only fire the hook once per episode
	l.CheckAndRecord("c", now)
	l.CheckAndRecord("d", now)
	if got := capCount.Load(); got != 1 {
		t.Errorf("OnCapacity fired %d times, want 1", got)
	}
}

func TestMaxIdentities_ZeroDisablesCap(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(10, 100), WithMaxIdentities(0))
	defer cancel()

	now := time.Now()
	for i := 0; i < 100; i++ {
		if d := l.CheckAndRecord(fmt.Sprintf("id-%d", i), now); !d.Allowed {
			t.Fatalf("identity %d rejected with cap disabled", i)
		}
	}
}

// check-then-act race: two goroutines hammering the same identity must
// never admit more than the threshold in total.
func TestCheckAndRecord_ConcurrentSameIdentity(t *testing.T) {
	l, cancel := newTestLimiter(WithLimits(10, 1000))
	defer cancel()

	now := time.Now()
	var allowed atomic.Int32
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if d := l.CheckAndRecord("shared", now); d.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Fatalf("concurrent admissions = %d, want exactly 10", got)
	}
}
