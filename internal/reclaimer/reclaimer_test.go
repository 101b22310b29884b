package reclaimer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptline/internal/engine"
	"promptline/internal/reclaimer"
)

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) Reclaim(ctx context.Context) (engine.ReclaimReport, error) {
	n := f.calls.Add(1)
	return engine.ReclaimReport{Removed: map[string]int{"x": int(n)}}, f.err
}

func TestRunsImmediatelyAndOnInterval(t *testing.T) {
	sw := &fakeSweeper{}
	r := reclaimer.New(sw, 10*time.Millisecond, nil)
	assert.False(t, r.IsRunning())

	r.Start(context.Background())
	r.Start(context.Background()) // no second loop
	assert.True(t, r.IsRunning())

	require.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	assert.False(t, r.IsRunning())

	stopped := sw.calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, sw.calls.Load(), "no passes after Stop")

	report, err := r.LastReport()
	require.NoError(t, err)
	assert.Equal(t, int(stopped), report.Total())
	assert.Equal(t, int(stopped), r.Passes())

	r.Stop() // idempotent
}

func TestRestartAfterStop(t *testing.T) {
	sw := &fakeSweeper{}
	r := reclaimer.New(sw, time.Hour, nil)
	r.Start(context.Background())
	require.Eventually(t, func() bool { return r.Passes() == 1 }, time.Second, 5*time.Millisecond)
	r.Stop()

	r.Start(context.Background())
	require.Eventually(t, func() bool { return r.Passes() == 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestContextCancelStopsLoop(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("disk full")}
	r := reclaimer.New(sw, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	require.Eventually(t, func() bool { return r.Passes() == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.LastReport()
	assert.EqualError(t, err, "disk full")

	cancel()
	require.Eventually(t, func() bool { return !r.IsRunning() }, time.Second, 5*time.Millisecond)
	r.Stop()
}
