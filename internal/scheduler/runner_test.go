package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cron's @every granularity is one second, so these tests use generous waits.

func TestRunnerEvery(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	var runs atomic.Int32
	_, err := r.Every("tick", time.Second, func(context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)

	r.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		5*time.Second, 50*time.Millisecond)
}

func TestRunnerRemove(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	var runs atomic.Int32
	id, err := r.Every("tick", time.Second, func(context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tick"}, r.Names())

	r.Remove(id)
	r.Start()
	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, runs.Load())
	assert.Empty(t, r.Names())
}

func TestRunnerBadSpec(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	_, err := r.Schedule("broken", "not a cron spec", func(context.Context) {})
	assert.Error(t, err)
}

func TestRunnerRecoversPanics(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	var runs atomic.Int32
	_, err := r.Every("panicky", time.Second, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	require.NoError(t, err)

	r.Start()
	// the panic in one run must not kill subsequent runs
	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		5*time.Second, 50*time.Millisecond)
}

func TestRunnerStopCancelsContext(t *testing.T) {
	r := NewRunner(nil)

	started := make(chan struct{}, 1)
	done := make(chan struct{}, 1)
	_, err := r.Every("waiter", time.Second, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		done <- struct{}{}
	})
	require.NoError(t, err)

	r.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled on Stop")
	}
}
