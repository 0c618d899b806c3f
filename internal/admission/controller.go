// Package admission bounds how many uploads are buffered and validated at once.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrCapacityExceeded = errors.New("upload capacity exceeded")
	ErrSlotReleased     = errors.New("admission slot already released")
)

// CapacityError is returned when no slot frees up within the admission timeout.
type CapacityError struct {
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v, retry after %s", ErrCapacityExceeded, e.RetryAfter)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// RetryAfterSeconds rounds the hint up to whole seconds for Retry-After.
func (e *CapacityError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

type Controller struct {
	sem        *semaphore.Weighted
	limit      int
	timeout    time.Duration
	retryAfter time.Duration
	active     atomic.Int64
}

func New(limit int, timeout, retryAfter time.Duration) *Controller {
	if limit <= 0 {
		limit = 1
	}
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &Controller{
		sem:        semaphore.NewWeighted(int64(limit)),
		limit:      limit,
		timeout:    timeout,
		retryAfter: retryAfter,
	}
}

// Slot is one unit of upload capacity. It must be released exactly once.
type Slot struct {
	c        *Controller
	released atomic.Bool
}

// Acquire waits for a free slot. It fails with a *CapacityError once the
// admission timeout elapses, or with ctx's error if ctx ends first.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &CapacityError{RetryAfter: c.retryAfter}
	}

	c.active.Add(1)
	return &Slot{c: c}, nil
}

// Release returns the slot to the pool. A second call is a programming error
// and reports ErrSlotReleased without touching the pool.
func (s *Slot) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return ErrSlotReleased
	}
	s.c.active.Add(-1)
	s.c.sem.Release(1)
	return nil
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including a panic inside fn.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	slot, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = slot.Release() }()

	return fn(ctx)
}

func (c *Controller) Limit() int {
	return c.limit
}

func (c *Controller) Active() int {
	return int(c.active.Load())
}

func (c *Controller) Available() int {
	return c.limit - c.Active()
}
