package admission_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/admission"
)

func TestAcquireRelease(t *testing.T) {
	c := admission.New(2, 50*time.Millisecond, 3*time.Second)
	ctx := context.Background()

	a, err := c.Acquire(ctx)
	require.NoError(t, err)
	b, err := c.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Active())
	assert.Equal(t, 0, c.Available())

	_, err = c.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, admission.ErrCapacityExceeded)

	var capErr *admission.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 3*time.Second, capErr.RetryAfter)
	assert.Equal(t, 3, capErr.RetryAfterSeconds())

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 2, c.Available())
}

func TestDoubleReleaseIsDetected(t *testing.T) {
	c := admission.New(1, 50*time.Millisecond, time.Second)

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, slot.Release())
	assert.ErrorIs(t, slot.Release(), admission.ErrSlotReleased)

	// the pool was not over-credited by the second release
	a, err := c.Acquire(context.Background())
	require.NoError(t, err)
	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, admission.ErrCapacityExceeded)
	require.NoError(t, a.Release())
}

func TestAcquireReturnsContextError(t *testing.T) {
	c := admission.New(1, time.Second, time.Second)
	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, admission.ErrCapacityExceeded)
}

func TestDoReleasesOnErrorPanicAndCancel(t *testing.T) {
	c := admission.New(1, 50*time.Millisecond, time.Second)

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := c.Do(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, c.Active())
	})

	t.Run("panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = c.Do(context.Background(), func(context.Context) error { panic("decoder exploded") })
		})
		assert.Equal(t, 0, c.Active())
	})

	t.Run("cancelled mid-upload", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := c.Do(ctx, func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, c.Active())
	})

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, slot.Release())
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const (
		limit    = 3
		attempts = 20
	)
	c := admission.New(limit, 10*time.Millisecond, time.Second)

	var (
		current  atomic.Int32
		peak     atomic.Int32
		admitted atomic.Int32
		rejected atomic.Int32
		wg       sync.WaitGroup
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(40 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, admission.ErrCapacityExceeded)
				rejected.Add(1)
				return
			}
			admitted.Add(1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), limit)
	assert.Positive(t, rejected.Load())
	assert.Equal(t, int32(attempts), admitted.Load()+rejected.Load())
	assert.Equal(t, 0, c.Active())
}

// Two slots, three uploads each holding a slot for one phase: the third waits
// for one phase and the batch takes two phases, neither one nor three.
func TestThirdUploadWaitsForFreedSlot(t *testing.T) {
	const phase = 200 * time.Millisecond
	c := admission.New(2, 5*phase, time.Second)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), func(context.Context) error {
				time.Sleep(phase)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*phase)
	assert.Less(t, elapsed, 3*phase)
}
