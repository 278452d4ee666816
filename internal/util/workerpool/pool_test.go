package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(Config{Name: "warm", MaxWorkers: 3, QueueSize: 20})
	defer p.Stop(time.Second)

	var running, peak, done int32
	for i := 0; i < 12; i++ {
		require.NoError(t, p.TrySubmit(Task{ID: "t", Fn: func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
			return nil
		}}))
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 12 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, uint64(12), p.Stats().Completed)
}

func TestWorkerPool_FailuresAndPanicsCounted(t *testing.T) {
	p := NewWorkerPool(Config{Name: "warm", MaxWorkers: 1})
	defer p.Stop(time.Second)

	require.NoError(t, p.TrySubmit(Task{ID: "err", Fn: func(context.Context) error { return errors.New("fetch failed") }}))
	require.NoError(t, p.TrySubmit(Task{ID: "panic", Fn: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.TrySubmit(Task{ID: "ok", Fn: func(context.Context) error { return nil }}))

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Failed == 2 && s.Completed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := NewWorkerPool(Config{Name: "warm", MaxWorkers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer func() {
		close(block)
		p.Stop(time.Second)
	}()

	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(Task{Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))

	assert.ErrorIs(t, p.TrySubmit(Task{Fn: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestWorkerPool_StopCancelsTasks(t *testing.T) {
	p := NewWorkerPool(Config{Name: "warm", MaxWorkers: 1})
	started := make(chan struct{})

	require.NoError(t, p.TrySubmit(Task{Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.TrySubmit(Task{Fn: func(context.Context) error { return nil }}), ErrStopped)
	assert.ErrorIs(t, p.Submit(context.Background(), Task{Fn: func(context.Context) error { return nil }}), ErrStopped)
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	p := NewWorkerPool(Config{Name: "warm", MaxWorkers: 1, TaskTimeout: 10 * time.Millisecond})
	defer p.Stop(time.Second)

	require.NoError(t, p.Submit(context.Background(), Task{Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	assert.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}
