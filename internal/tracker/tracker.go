// Package tracker holds the live entitlement state of one buyer: its funds
// ledger, its synchronization status against the payment backend, and the
// backend subscription that keeps the ledger current.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/ledger"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/pkg/metrics"
	"github.com/streamgate/paygate/internal/rate"
)

type State int32

const (
	Unsynced State = iota
	Syncing
	Synced
)

func (s State) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Warning is a non-fatal backend failure. Stage is "sync" or "subscribe".
type Warning struct {
	Tag   string
	Stage string
	Err   error
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithWarnings registers a callback for backend failures, in addition to logging.
func WithWarnings(fn func(Warning)) Option {
	return func(t *Tracker) { t.onWarning = fn }
}

// WithoutAutoSync skips the synchronization issued on construction.
func WithoutAutoSync() Option {
	return func(t *Tracker) { t.autoSync = false }
}

type Tracker struct {
	tag       string
	rate      rate.Rate
	source    backend.Source
	now       func() time.Time
	onWarning func(Warning)
	autoSync  bool
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.RWMutex
	ledger    *ledger.Ledger
	seen      map[string]struct{}
	state     State
	changed   chan struct{}
	sub       backend.Subscription
	attaching bool
	destroyed bool
}

// New attaches to the live feed for tag and starts the first
// synchronization; both happen in the background.
func New(source backend.Source, tag string, r rate.Rate, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		tag:      tag,
		rate:     r,
		source:   source,
		now:      time.Now,
		autoSync: true,
		log:      logger.Component("tracker", "tag", tag),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		ledger:   ledger.New(),
		seen:     make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.autoSync {
		t.state = Syncing
	}
	t.attaching = true
	go t.run()
	return t
}

func (t *Tracker) run() {
	// subscribe before the history fetch so nothing lands in between;
	// overlap is absorbed by event ids
	t.attach()
	if t.autoSync {
		t.synchronize()
	}
}

// attach opens the live feed. On failure the tracker stays detached and the
// next Sync tries again.
func (t *Tracker) attach() {
	sub, err := t.source.Subscribe(t.ctx, t.tag)

	t.mu.Lock()
	t.attaching = false
	if err != nil {
		t.mu.Unlock()
		if t.ctx.Err() == nil {
			t.warn("subscribe", err)
		}
		return
	}
	if t.destroyed {
		t.mu.Unlock()
		_ = sub.Close()
		return
	}
	t.sub = sub
	t.mu.Unlock()

	go t.pump(sub)
}

func (t *Tracker) pump(sub backend.Subscription) {
	for ev := range sub.Events() {
		if t.apply(ev) {
			metrics.PaymentEvents.WithLabelValues("push").Inc()
			t.notify()
		}
	}

	// the feed is gone: payments from here on are only visible to a fresh
	// history fetch, so the ledger no longer counts as synced
	t.mu.Lock()
	if t.sub == sub {
		t.sub = nil
		if t.state == Synced {
			t.state = Unsynced
		}
	}
	t.mu.Unlock()

	if err := sub.Err(); err != nil && t.ctx.Err() == nil {
		t.warn("subscribe", err)
	}
}

// Sync starts a synchronization unless one is running or has completed
// with the live feed attached. A failed synchronization leaves the tracker
// Unsynced, and a lost feed is re-opened, so the next call retries both.
func (t *Tracker) Sync() {
	t.mu.Lock()
	if t.destroyed || t.state == Syncing {
		t.mu.Unlock()
		return
	}
	reattach := t.sub == nil && !t.attaching
	if t.state == Synced && !reattach {
		t.mu.Unlock()
		return
	}
	t.state = Syncing
	t.attaching = t.attaching || reattach
	t.mu.Unlock()

	go func() {
		if reattach {
			t.attach()
		}
		t.synchronize()
	}()
}

// Live reports whether the tracker is attached to the backend's live feed.
func (t *Tracker) Live() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sub != nil
}

func (t *Tracker) synchronize() {
	snap, err := t.source.Synchronize(t.ctx, t.tag)

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.state = Unsynced
		t.mu.Unlock()
		t.warn("sync", err)
		return
	}
	applied := 0
	for _, ev := range snap.Events {
		if t.applyLocked(ev) {
			applied++
		}
	}
	t.state = Synced
	t.notifyLocked()
	t.mu.Unlock()

	metrics.PaymentEvents.WithLabelValues("sync").Add(float64(applied))
	t.log.Debug("tracker synced", "events", applied, "cursor", snap.Cursor)
}

func (t *Tracker) apply(ev model.PaymentEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return false
	}
	return t.applyLocked(ev)
}

func (t *Tracker) applyLocked(ev model.PaymentEvent) bool {
	if ev.Tag != "" && ev.Tag != t.tag {
		return false
	}
	if ev.Amount <= 0 {
		return false
	}
	if ev.ID != "" {
		if _, dup := t.seen[ev.ID]; dup {
			return false
		}
		t.seen[ev.ID] = struct{}{}
	}
	t.ledger.Record(ev)
	return true
}

func (t *Tracker) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked()
}

func (t *Tracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tracker) warn(stage string, err error) {
	metrics.BackendWarnings.WithLabelValues(stage).Inc()
	t.log.Warn("payment backend failure", "stage", stage, "error", err)
	if t.onWarning != nil {
		t.onWarning(Warning{Tag: t.tag, Stage: stage, Err: err})
	}
}

// Changed returns a channel closed at the next synced or update notification.
// Take the channel before checking state to avoid missing a wakeup.
func (t *Tracker) Changed() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

// Done is closed once the tracker has been destroyed.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) Tag() string {
	return t.tag
}

func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tracker) Synced() bool {
	return t.State() == Synced
}

// Active reports whether funds remain ahead from now.
func (t *Tracker) Active(ahead time.Duration) bool {
	return t.RemainingFunds(ahead) > 0
}

func (t *Tracker) RemainingFunds(ahead time.Duration) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.RemainingFunds(t.rate.PerSecond(), t.now().Add(ahead))
}

// RemainingTime is in milliseconds.
func (t *Tracker) RemainingTime(ahead time.Duration) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.RemainingTime(t.rate.PerSecond(), t.now().Add(ahead))
}

// Events returns a copy of the ledger history.
func (t *Tracker) Events() []model.PaymentEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.Events()
}

// Destroy detaches from the backend. Safe to call repeatedly, from any
// state, and while validations are waiting on this tracker.
func (t *Tracker) Destroy() {
	t.once.Do(func() {
		t.mu.Lock()
		t.destroyed = true
		sub := t.sub
		t.sub = nil
		t.mu.Unlock()

		t.cancel()
		if sub != nil {
			_ = sub.Close()
		}
		close(t.done)
	})
}
