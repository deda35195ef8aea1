// Package engine decides whether a buyer is currently entitled to service.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/pkg/metrics"
	"github.com/streamgate/paygate/internal/tracker"
)

// DefaultTimeout bounds how long Validate waits for a tracker to sync.
const DefaultTimeout = 20 * time.Second

// Validator races a buyer's tracker reaching Synced (or turning active on a
// pushed payment) against a fixed timeout, then decides from whatever the
// ledger holds.
type Validator struct {
	name    string
	cache   *tracker.Cache
	timeout time.Duration
	log     *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewValidator takes ownership of cache; Close destroys it.
func NewValidator(name string, cache *tracker.Cache, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		name:    name,
		cache:   cache,
		timeout: timeout,
		log:     logger.Component("validator", "provider", name),
		closing: make(chan struct{}),
	}
}

func (v *Validator) Validate(ctx context.Context, buyer string) (*model.Validation, error) {
	if v.shuttingDown() {
		return nil, v.reject(apperrors.NewShuttingDown())
	}

	t, err := v.cache.GetOrCreate(buyer)
	if err != nil {
		if errors.Is(err, tracker.ErrCacheClosed) {
			return nil, v.reject(apperrors.NewShuttingDown())
		}
		return nil, v.reject(apperrors.Wrap(err))
	}
	// retries a synchronization that failed earlier
	t.Sync()

	start := time.Now()
	timedOut, err := v.wait(ctx, t)
	metrics.ValidationWait.WithLabelValues(v.name).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, v.reject(err)
	}

	remaining := t.RemainingTime(0)
	if remaining <= 0 {
		return nil, v.reject(apperrors.NewNoTimeRemaining(timedOut))
	}

	metrics.ValidationsTotal.WithLabelValues(v.name, "accepted").Inc()
	return &model.Validation{
		Type:      model.ValidationTime,
		Remaining: remaining,
		Provider:  v.name,
	}, nil
}

// wait returns once the tracker is synced or active, the timeout fires, or
// the tracker is destroyed underneath us. Only shutdown and ctx cancellation
// are errors.
func (v *Validator) wait(ctx context.Context, t *tracker.Tracker) (timedOut bool, err error) {
	if t.Synced() || t.Active(0) {
		return false, nil
	}

	timer := time.NewTimer(v.timeout)
	defer timer.Stop()

	for {
		changed := t.Changed()
		if t.Synced() || t.Active(0) {
			return false, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			v.log.Debug("validation wait timed out", "tag", t.Tag(), "state", t.State().String())
			return true, nil
		case <-t.Done():
			// evicted mid-flight: decide from the last known ledger
			return false, nil
		case <-v.closing:
			return false, apperrors.NewShuttingDown()
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (v *Validator) reject(err error) error {
	metrics.ValidationsTotal.WithLabelValues(v.name, string(apperrors.TypeOf(err))).Inc()
	return err
}

func (v *Validator) shuttingDown() bool {
	select {
	case <-v.closing:
		return true
	default:
		return false
	}
}

// Warm creates the buyer's tracker and starts its synchronization without
// waiting on it.
func (v *Validator) Warm(buyer string) error {
	if v.shuttingDown() {
		return apperrors.NewShuttingDown()
	}
	t, err := v.cache.GetOrCreate(buyer)
	if err != nil {
		if errors.Is(err, tracker.ErrCacheClosed) {
			return apperrors.NewShuttingDown()
		}
		return err
	}
	t.Sync()
	return nil
}

// Tracker exposes the cached tracker for a buyer, if any.
func (v *Validator) Tracker(buyer string) (*tracker.Tracker, bool) {
	return v.cache.Get(buyer)
}

// Close fails pending and future validations and destroys every tracker.
func (v *Validator) Close() {
	v.closeOnce.Do(func() {
		close(v.closing)
		v.cache.Close()
	})
}
