package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/rate"
	"github.com/streamgate/paygate/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitWithWriter("error", io.Discard)
}

type countingSource struct {
	*backend.Memory
	syncs atomic.Int32
}

func (s *countingSource) Synchronize(ctx context.Context, tag string) (backend.Snapshot, error) {
	s.syncs.Add(1)
	return s.Memory.Synchronize(ctx, tag)
}

func tagFor(buyer string) string {
	return "paygate: 5e11 " + buyer
}

func newValidator(t *testing.T, src backend.Source, timeout time.Duration) (*Validator, *tracker.Cache) {
	t.Helper()
	r, err := rate.New(1)
	require.NoError(t, err)
	cache, err := tracker.NewCache("test", 10, func(buyer string) *tracker.Tracker {
		return tracker.New(src, tagFor(buyer), r)
	})
	require.NoError(t, err)
	v := NewValidator("test", cache, timeout)
	t.Cleanup(v.Close)
	return v, cache
}

func pay(t *testing.T, bus *backend.Memory, buyer string, amount float64, at time.Time) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), model.PaymentEvent{
		Tag: tagFor(buyer), Amount: amount, ObservedAt: at.UnixMilli(),
	}))
}

func TestValidateAcceptsFundedBuyer(t *testing.T) {
	bus := backend.NewMemory()
	pay(t, bus, "b1", 100, time.Now())
	v, _ := newValidator(t, bus, time.Second)

	res, err := v.Validate(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationTime, res.Type)
	assert.Greater(t, res.Remaining, int64(90_000))
	assert.LessOrEqual(t, res.Remaining, int64(100_000))
}

func TestValidateRejectsUnfundedBuyer(t *testing.T) {
	bus := backend.NewMemory()
	pay(t, bus, "b1", 10, time.Now().Add(-time.Minute))
	v, _ := newValidator(t, bus, time.Second)

	_, err := v.Validate(context.Background(), "b1")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNoTimeRemaining, appErr.Type)
	assert.False(t, appErr.TimedOut)
}

func TestValidateResolvesAtDeadline(t *testing.T) {
	bus := backend.NewMemory()
	bus.DelaySync(time.Hour)
	v, _ := newValidator(t, bus, 80*time.Millisecond)

	start := time.Now()
	_, err := v.Validate(context.Background(), "b1")
	elapsed := time.Since(start)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNoTimeRemaining, appErr.Type)
	assert.True(t, appErr.TimedOut)
	assert.Contains(t, appErr.Message, "after timeout")
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestValidateShortCircuitsOnActiveUpdate(t *testing.T) {
	bus := backend.NewMemory()
	bus.DelaySync(time.Hour)
	v, cache := newValidator(t, bus, 10*time.Second)

	type result struct {
		res *model.Validation
		err error
	}
	out := make(chan result, 1)
	go func() {
		res, err := v.Validate(context.Background(), "b1")
		out <- result{res, err}
	}()

	require.Eventually(t, func() bool { return bus.Subscribers(tagFor("b1")) == 1 }, time.Second, 5*time.Millisecond)
	pay(t, bus, "b1", 30, time.Now())

	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Greater(t, r.res.Remaining, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("validation did not short-circuit")
	}
	tr, ok := cache.Get("b1")
	require.True(t, ok)
	assert.False(t, tr.Synced())
}

func TestConcurrentValidationsShareOneSync(t *testing.T) {
	src := &countingSource{Memory: backend.NewMemory()}
	src.DelaySync(30 * time.Millisecond)
	pay(t, src.Memory, "b1", 100, time.Now())
	v, cache := newValidator(t, src, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(context.Background(), "b1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.syncs.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestValidateRetriesFailedSync(t *testing.T) {
	bus := backend.NewMemory()
	bus.FailSync(errors.New("rpc down"))
	pay(t, bus, "b1", 100, time.Now())
	v, cache := newValidator(t, bus, 60*time.Millisecond)

	_, err := v.Validate(context.Background(), "b1")
	assert.True(t, apperrors.IsType(err, apperrors.ErrNoTimeRemaining))
	tr, _ := cache.Get("b1")
	require.Eventually(t, func() bool { return tr.State() == tracker.Unsynced }, time.Second, 5*time.Millisecond)

	bus.FailSync(nil)
	res, err := v.Validate(context.Background(), "b1")
	require.NoError(t, err)
	assert.Greater(t, res.Remaining, int64(0))
	assert.True(t, tr.Synced())
}

func TestValidateWhileTrackerEvicted(t *testing.T) {
	bus := backend.NewMemory()
	bus.DelaySync(time.Hour)
	v, cache := newValidator(t, bus, 10*time.Second)

	out := make(chan error, 1)
	go func() {
		_, err := v.Validate(context.Background(), "b1")
		out <- err
	}()
	require.Eventually(t, func() bool { _, ok := cache.Get("b1"); return ok }, time.Second, time.Millisecond)
	cache.Remove("b1")

	select {
	case err := <-out:
		assert.True(t, apperrors.IsType(err, apperrors.ErrNoTimeRemaining))
	case <-time.After(3 * time.Second):
		t.Fatal("validation hung after eviction")
	}
}

func TestValidateAfterClose(t *testing.T) {
	v, cache := newValidator(t, backend.NewMemory(), time.Second)
	v.Close()

	_, err := v.Validate(context.Background(), "b1")
	assert.True(t, apperrors.IsType(err, apperrors.ErrShuttingDown))
	assert.Equal(t, 0, cache.Len())
}

func TestValidateHonoursContext(t *testing.T) {
	bus := backend.NewMemory()
	bus.DelaySync(time.Hour)
	v, _ := newValidator(t, bus, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := v.Validate(ctx, "b1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWarmStartsTrackerWithoutWaiting(t *testing.T) {
	bus := backend.NewMemory()
	bus.DelaySync(time.Hour)
	v, cache := newValidator(t, bus, time.Second)

	require.NoError(t, v.Warm("b1"))
	tr, ok := v.Tracker("b1")
	require.True(t, ok)
	assert.Equal(t, tracker.Syncing, tr.State())
	assert.Equal(t, 1, cache.Len())

	v.Close()
	assert.True(t, apperrors.IsType(v.Warm("b2"), apperrors.ErrShuttingDown))
}
