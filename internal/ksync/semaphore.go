package ksync

import (
	"context"
	"sync/atomic"

	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/sched"
)

// Semaphore wraps a futex with a signed level. Binary semaphores
// saturate at one.
type Semaphore struct {
	futex  *Futex
	level  int32
	binary bool
}

// NewSemaphore creates a semaphore at the given initial level.
func NewSemaphore(initial int32, binary bool, flags uint32) (*Semaphore, error) {
	s := &Semaphore{level: initial, binary: binary}
	if binary && initial > 1 {
		s.level = 1
	}
	f, err := NewFutex(&s.level, flags)
	if err != nil {
		return nil, err
	}
	s.futex = f
	return s, nil
}

// Wait atomically decrements level when positive, otherwise waits on the
// futex with expected=0, retrying on a spurious cancellation-free wake
// that no longer finds level positive.
func (s *Semaphore) Wait(ctx context.Context, thread *sched.Thread) error {
	for {
		cur := atomic.LoadInt32(&s.level)
		if cur > 0 {
			if atomic.CompareAndSwapInt32(&s.level, cur, cur-1) {
				return nil
			}
			continue
		}
		_, err := s.futex.Wait(ctx, 0, thread)
		if err != nil {
			if kerr.Has(err, kerr.NotBlocked) {
				// level moved between our load and the futex's own
				// check; retry the acquire instead of surfacing it.
				continue
			}
			return err
		}
	}
}

// TryWait attempts a non-blocking acquire.
func (s *Semaphore) TryWait() error {
	for {
		cur := atomic.LoadInt32(&s.level)
		if cur <= 0 {
			return kerr.New(kerr.NotBlocked, "ksync.Semaphore.TryWait", "")
		}
		if atomic.CompareAndSwapInt32(&s.level, cur, cur-1) {
			return nil
		}
	}
}

// Post increments level and wakes at most one waiter if level became
// positive.
func (s *Semaphore) Post() error {
	for {
		cur := atomic.LoadInt32(&s.level)
		next := cur + 1
		if s.binary && next > 1 {
			next = 1
		}
		if atomic.CompareAndSwapInt32(&s.level, cur, next) {
			if next > 0 {
				if _, err := s.futex.Wake(1); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

// Destroy tears the semaphore down, releasing every waiter with
// ReasonDestroyed.
func (s *Semaphore) Destroy() error {
	return s.futex.Destroy()
}

// Level returns the current signed level, for diagnostics and tests.
func (s *Semaphore) Level() int32 {
	return atomic.LoadInt32(&s.level)
}
