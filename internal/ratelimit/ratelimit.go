package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window identifies which rolling interval produced a denial.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Duration returns the length of the rolling interval.
func (w Window) Duration() time.Duration {
	if w == WindowHour {
		return time.Hour
	}
	return time.Minute
}

// Decision is the outcome of an admission check. Denial is an expected
// control-flow result, not an error: callers surface it, the limiter never
// escalates.
type Decision struct {
	Allowed bool

	// Window is the interval that triggered the denial. Zero when allowed.
	Window Window

	// RetryAfter estimates how long until the oldest in-window request
	// expires and a retry could succeed. Zero when allowed.
	RetryAfter time.Duration

	// MinuteRemaining and HourRemaining report budget left after this
	// decision, for operator display.
	MinuteRemaining int
	HourRemaining   int
}

// history tracks a single identity's accepted request timestamps plus
// whether we already emitted the first-denial log for it.
// flagged resets when the entry is evicted and re-created.
type history struct {
	stamps  []time.Time
	flagged bool
}

// Limiter holds per-identity request logs with background eviction.
// An identity's log is created lazily on its first request, pruned on
// access, and dropped by the sweeper once idle for the full hour window.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*history

	perMinute int
	perHour   int

	// sweep controls how often the background sweeper runs
	sweep time.Duration

	// maxIdentities bounds the entries map so one flood of fresh
	// identities cannot grow memory without limit. 0 disables the cap.
	maxIdentities int
	capFlagged    bool

	// OnFirstDenied is called once per identity when it first gets denied,
	// used for single-entry logging to avoid log spam
	OnFirstDenied func(identity string)

	// OnDenied is called on every denied request, used for incrementing
	// prometheus counters. window is empty for capacity rejections.
	OnDenied func(identity string, window Window)

	// OnCapacity is called when a new identity is turned away because the
	// table is full. Fires once per capacity episode, resets when the
	// sweeper frees room.
	OnCapacity func()
}

type Option func(*Limiter)

// WithLimits sets the admission thresholds: perMinute requests in any
// rolling 60s window, perHour in any rolling 3600s window.
func WithLimits(perMinute, perHour int) Option {
	return func(l *Limiter) {
		l.perMinute = perMinute
		l.perHour = perHour
	}
}

// WithSweepInterval overrides how often idle identities are evicted.
// Mostly for tests.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweep = d
	}
}

// WithOnFirstDenied sets a callback for the first denial per identity.
// Intentionally separate from OnDenied: we log once but count every denial.
func WithOnFirstDenied(fn func(identity string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(identity string, window Window)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithMaxIdentities caps how many identities may be tracked at once.
// Zero disables the cap.
func WithMaxIdentities(n int) Option {
	return func(l *Limiter) {
		l.maxIdentities = n
	}
}

// WithOnCapacity sets a callback fired when a new identity is rejected
// because the table is full.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

// New creates a Limiter and starts the background sweeper goroutine.
// Defaults match the bot's production budget: 10/minute, 100/hour.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		entries:       make(map[string]*history),
		perMinute:     10,
		perHour:       100,
		sweep:         30 * time.Minute,
		maxIdentities: 10000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweeper(ctx)
	return l
}

// CheckAndRecord admits or denies a request from identity at time now.
// It prunes timestamps older than the hour window, counts both windows,
// and only appends now to the log when the request is admitted, so an
// accepted request never pushes an in-window count past its threshold.
func (l *Limiter) CheckAndRecord(identity string, now time.Time) Decision {
	l.mu.Lock()
	h, ok := l.entries[identity]
	if !ok {
		if l.maxIdentities > 0 && len(l.entries) >= l.maxIdentities {
			first := !l.capFlagged
			l.capFlagged = true
			l.mu.Unlock()
			if first && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(identity, "")
			}
			// empty Window marks a capacity rejection rather than an
			// exhausted budget
			return Decision{RetryAfter: time.Minute}
		}
		h = &history{}
		l.entries[identity] = h
	}

	// prune to the longest window; nothing older can matter again
	hourCutoff := now.Add(-time.Hour)
	kept := h.stamps[:0]
	for _, t := range h.stamps {
		if t.After(hourCutoff) {
			kept = append(kept, t)
		}
	}
	h.stamps = kept

	d := l.decide(h.stamps, now)
	if d.Allowed {
		h.stamps = append(h.stamps, now)
		l.mu.Unlock()
		return d
	}

	first := !h.flagged
	h.flagged = true
	// release before hooks: they may log or do other slow work
	l.mu.Unlock()

	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(identity)
	}
	if l.OnDenied != nil {
		l.OnDenied(identity, d.Window)
	}
	return d
}

// Peek answers whether a request from identity would be admitted at now
// without recording anything. Calling it any number of times changes no
// state and no future decision. Hooks do not fire.
func (l *Limiter) Peek(identity string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.entries[identity]
	if !ok {
		return l.decide(nil, now)
	}

	// copy-free: decide ignores expired entries itself, the stored slice
	// stays untouched
	return l.decide(h.stamps, now)
}

// Tracked reports how many identities currently hold a request log.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// decide evaluates both windows against stamps. Caller holds the lock.
// The hour window is evaluated first: when both windows are exhausted the
// longer one owns the denial, so RetryAfter never understates the wait.
func (l *Limiter) decide(stamps []time.Time, now time.Time) Decision {
	minuteCutoff := now.Add(-time.Minute)
	hourCutoff := now.Add(-time.Hour)

	var minuteCount, hourCount int
	var oldestMinute, oldestHour time.Time
	for _, t := range stamps {
		if t.After(hourCutoff) {
			hourCount++
			if oldestHour.IsZero() {
				oldestHour = t
			}
			if t.After(minuteCutoff) {
				minuteCount++
				if oldestMinute.IsZero() {
					oldestMinute = t
				}
			}
		}
	}

	if hourCount >= l.perHour {
		return Decision{
			Window:     WindowHour,
			RetryAfter: oldestHour.Add(time.Hour).Sub(now),
		}
	}
	if minuteCount >= l.perMinute {
		return Decision{
			Window:          WindowMinute,
			RetryAfter:      oldestMinute.Add(time.Minute).Sub(now),
			HourRemaining:   l.perHour - hourCount,
			MinuteRemaining: 0,
		}
	}

	return Decision{
		Allowed:         true,
		MinuteRemaining: l.perMinute - minuteCount - 1,
		HourRemaining:   l.perHour - hourCount - 1,
	}
}

// sweeper periodically drops identities whose newest timestamp has aged
// out of the hour window. Runs until ctx is cancelled.
func (l *Limiter) sweeper(ctx context.Context) {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for id, h := range l.entries {
				if len(h.stamps) == 0 || now.Sub(h.stamps[len(h.stamps)-1]) > time.Hour {
					delete(l.entries, id)
				}
			}
			if l.maxIdentities == 0 || len(l.entries) < l.maxIdentities {
				l.capFlagged = false
			}
			l.mu.Unlock()
		}
	}
}
