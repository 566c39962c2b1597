package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPool builds a warmed pool whose workers answer instantly.
func newTestPool(t *testing.T, size int) *WorkerPool {
	t.Helper()

	factory := func(id int) (*Worker, error) {
		spawn := scriptedSpawn("Assistant: ok", nil, false)
		return newWorkerWithSpawn(id, WorkerConfig{
			ExecutablePath: "/bin/true",
			ModelPath:      "m.gguf",
		}, spawn), nil
	}
	p := newWorkerPoolWithFactory(PoolConfig{Size: size}, factory)
	require.NoError(t, p.WarmUp(context.Background(), nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Teardown(ctx)
	})
	return p
}

func TestWarmUpCreatesFullComplement(t *testing.T) {
	var mu sync.Mutex
	var progress []int

	factory := func(id int) (*Worker, error) {
		return newWorkerWithSpawn(id, WorkerConfig{ExecutablePath: "/bin/true", ModelPath: "m"},
			scriptedSpawn("Assistant: ok", nil, false)), nil
	}
	p := newWorkerPoolWithFactory(PoolConfig{Size: 3}, factory)

	err := p.WarmUp(context.Background(), func(created, total int) {
		mu.Lock()
		progress = append(progress, created)
		mu.Unlock()
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Capacity())
	assert.Equal(t, 3, p.Available())
	assert.Len(t, progress, 3)
}

func TestWarmUpTwiceFails(t *testing.T) {
	p := newTestPool(t, 1)
	err := p.WarmUp(context.Background(), nil)
	assert.ErrorIs(t, err, ErrPoolAlreadyWarm)
}

func TestWarmUpFailureCleansUpPartials(t *testing.T) {
	bad := errors.New("executable not found")
	factory := func(id int) (*Worker, error) {
		if id == 1 {
			return nil, bad
		}
		return newWorkerWithSpawn(id, WorkerConfig{ExecutablePath: "/bin/true", ModelPath: "m"},
			scriptedSpawn("Assistant: ok", nil, false)), nil
	}
	p := newWorkerPoolWithFactory(PoolConfig{Size: 3}, factory)

	err := p.WarmUp(context.Background(), nil)
	require.ErrorIs(t, err, ErrPoolInit)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestAcquireReleaseMaintainsPoolLaw(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	assert.Equal(t, 2, p.Available())

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Available())

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Available())

	a.Release()
	assert.Equal(t, 1, p.Available())
	b.Release()
	assert.Equal(t, 2, p.Available())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Release()
	assert.Equal(t, 1, p.Available(), "extra releases must not inflate the pool")
}

func TestAcquireBlocksFIFO(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	holder, err := p.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan string, 2)
	ready := make(chan struct{})

	go func() {
		close(ready)
		lease, err := p.Acquire(ctx)
		if err == nil {
			order <- "first"
			lease.Release()
		}
	}()
	<-ready
	time.Sleep(50 * time.Millisecond) // first waiter is queued

	go func() {
		lease, err := p.Acquire(ctx)
		if err == nil {
			order <- "second"
			lease.Release()
		}
	}()
	time.Sleep(50 * time.Millisecond)

	holder.Release()

	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestQueuedAcquireCancellation(t *testing.T) {
	p := newTestPool(t, 1)

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		result <- err
	}()
	time.Sleep(50 * time.Millisecond) // waiter is queued

	start := time.Now()
	cancel()
	err = <-result
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"cancelled waiter must return promptly")

	// The pool lost nothing: the held worker still comes back.
	holder.Release()
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 1, p.Available())
}

func TestUnhealthyWorkerDroppedAndReplaced(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	droppedID := a.Worker().ID()
	a.Worker().markUnhealthy("test")
	a.Release()
	b.Release()

	assert.Equal(t, 2, p.Available(), "capacity survives a dropped worker")

	// Two fresh acquires succeed; the dropped worker never comes back.
	x, err := p.Acquire(ctx)
	require.NoError(t, err)
	y, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, droppedID, x.Worker().ID())
	assert.NotEqual(t, droppedID, y.Worker().ID())
	assert.True(t, x.Worker().Healthy())
	assert.True(t, y.Worker().Healthy())
	x.Release()
	y.Release()
}

func TestUnhealthyReleaseServesQueuedWaiter(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	holder, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		lease, err := p.Acquire(ctx)
		if err == nil {
			got <- lease
		}
	}()
	time.Sleep(50 * time.Millisecond)

	holder.Worker().markUnhealthy("test")
	holder.Release()

	select {
	case lease := <-got:
		assert.True(t, lease.Worker().Healthy(), "waiter must get a replacement, not the sick worker")
		lease.Release()
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not served after unhealthy release")
	}
}

func TestTeardownIdempotentAndClosesAcquire(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	require.NoError(t, p.Teardown(ctx))
	require.NoError(t, p.Teardown(ctx))

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, 0, p.Available())
}

func TestTeardownWaitsForOutstandingLease(t *testing.T) {
	p := newTestPool(t, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		lease.Release()
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Teardown(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestTeardownGivesUpOnStuckLease(t *testing.T) {
	p := newTestPool(t, 1)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = p.Teardown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	lease.Release()
}

// TestTeardownRacingHandoffDrains closes the pool in the same instant a
// released worker is handed to a queued waiter. Whichever branch the waiter
// wakes on, the worker must come back so teardown can drain instead of
// burning its deadline on a stranded lease.
func TestTeardownRacingHandoffDrains(t *testing.T) {
	for i := 0; i < 25; i++ {
		p := newTestPool(t, 1)

		holder, err := p.Acquire(context.Background())
		require.NoError(t, err)

		acquired := make(chan error, 1)
		go func() {
			lease, err := p.Acquire(context.Background())
			if lease != nil {
				lease.Release()
			}
			acquired <- err
		}()
		time.Sleep(10 * time.Millisecond) // waiter is queued

		go holder.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		err = p.Teardown(ctx)
		cancel()
		require.NoError(t, err, "teardown must drain even when closing races a handoff")
		<-acquired
	}
}

func TestTeardownWakesQueuedWaiters(t *testing.T) {
	p := newTestPool(t, 1)

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		holder.Release()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Teardown(ctx))

	assert.ErrorIs(t, <-result, ErrPoolClosed)
}
