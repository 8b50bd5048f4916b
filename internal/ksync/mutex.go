package ksync

import (
	"context"
	"sync/atomic"

	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/sched"
)

// Mutex wraps a futex, tracks an owner, and optionally boosts the
// owner's effective priority to the highest-priority waiter's while
// contended. Lower numeric priority values are more urgent, so a boost
// replaces the owner's effective priority only when a waiter's is
// numerically smaller.
type Mutex struct {
	bookkeeping critsec.Lock

	lockWord int32
	futex    *Futex

	ownerValid           bool
	ownerID              sched.ThreadID
	ownerThread          *sched.Thread
	ownerEffectivePrio   uint8
	ownerInitialPriority uint8
	ownerBoosted         bool

	recursive      bool
	recursionCount int

	priorityInherit bool
	waiters         int32
}

// NewMutex builds an unlocked mutex. recursive allows the owner to
// re-enter; priorityInherit enables the boost/restore dance above.
func NewMutex(flags uint32, recursive, priorityInherit bool) (*Mutex, error) {
	m := &Mutex{recursive: recursive, priorityInherit: priorityInherit}
	f, err := NewFutex(&m.lockWord, flags)
	if err != nil {
		return nil, err
	}
	m.futex = f
	return m, nil
}

// Lock acquires the mutex for caller, boosting the current owner's
// effective priority when priority inheritance is enabled and caller is
// more urgent. It retries when the wait reports NotBlocked; cancellation
// of ctx while waiting is not retried and returns the Cancelled error.
func (m *Mutex) Lock(ctx context.Context, caller *sched.Thread) error {
	if caller == nil {
		return kerr.New(kerr.NullPointer, "ksync.Mutex.Lock", "")
	}
	for {
		if atomic.CompareAndSwapInt32(&m.lockWord, 0, 1) {
			m.bookkeeping.Lock()
			m.ownerValid = true
			m.ownerID = caller.ID
			m.ownerThread = caller
			m.ownerEffectivePrio = caller.Priority
			m.ownerInitialPriority = caller.Priority
			m.ownerBoosted = false
			m.bookkeeping.Unlock()
			return nil
		}

		m.bookkeeping.Lock()
		if m.recursive && m.ownerValid && m.ownerID == caller.ID {
			m.recursionCount++
			m.bookkeeping.Unlock()
			return nil
		}
		if m.priorityInherit && m.ownerValid && caller.Priority < m.ownerEffectivePrio {
			if !m.ownerBoosted {
				m.ownerInitialPriority = m.ownerEffectivePrio
				m.ownerBoosted = true
			}
			m.ownerEffectivePrio = caller.Priority
			if m.ownerThread != nil {
				m.ownerThread.Priority = caller.Priority
			}
		}
		m.bookkeeping.Unlock()

		atomic.AddInt32(&m.waiters, 1)
		_, err := m.futex.Wait(ctx, 1, caller)
		atomic.AddInt32(&m.waiters, -1)
		if err != nil {
			if kerr.Has(err, kerr.NotBlocked) {
				continue
			}
			return err
		}
		// woken: loop back and race for the lock word again.
	}
}

// TryLock attempts a non-blocking acquire.
func (m *Mutex) TryLock(caller *sched.Thread) error {
	if caller == nil {
		return kerr.New(kerr.NullPointer, "ksync.Mutex.TryLock", "")
	}
	if atomic.CompareAndSwapInt32(&m.lockWord, 0, 1) {
		m.bookkeeping.Lock()
		m.ownerValid = true
		m.ownerID = caller.ID
		m.ownerThread = caller
		m.ownerEffectivePrio = caller.Priority
		m.ownerInitialPriority = caller.Priority
		m.ownerBoosted = false
		m.bookkeeping.Unlock()
		return nil
	}
	m.bookkeeping.Lock()
	recursiveHit := m.recursive && m.ownerValid && m.ownerID == caller.ID
	if recursiveHit {
		m.recursionCount++
	}
	m.bookkeeping.Unlock()
	if recursiveHit {
		return nil
	}
	return kerr.New(kerr.NotBlocked, "ksync.Mutex.TryLock", "")
}

// Unlock releases the mutex, restoring any priority boost, and wakes one
// waiter.
func (m *Mutex) Unlock(caller *sched.Thread) error {
	if caller == nil {
		return kerr.New(kerr.NullPointer, "ksync.Mutex.Unlock", "")
	}

	m.bookkeeping.Lock()
	if !m.ownerValid || m.ownerID != caller.ID {
		m.bookkeeping.Unlock()
		return kerr.New(kerr.UnauthorizedAction, "ksync.Mutex.Unlock", "caller does not own the mutex")
	}
	if m.recursive && m.recursionCount > 0 {
		m.recursionCount--
		m.bookkeeping.Unlock()
		return nil
	}
	if m.ownerBoosted {
		caller.Priority = m.ownerInitialPriority
		m.ownerBoosted = false
	}
	m.ownerValid = false
	m.ownerThread = nil
	m.bookkeeping.Unlock()

	atomic.StoreInt32(&m.lockWord, 0)
	_, err := m.futex.Wake(1)
	return err
}

// Destroy tears the mutex down, releasing every waiter with
// ReasonDestroyed.
func (m *Mutex) Destroy() error {
	return m.futex.Destroy()
}

// EffectivePriority returns the current owner's effective priority and
// whether a boost is in effect, for diagnostics and tests.
func (m *Mutex) EffectivePriority() (prio uint8, boosted bool) {
	m.bookkeeping.Lock()
	defer m.bookkeeping.Unlock()
	return m.ownerEffectivePrio, m.ownerBoosted
}

// Waiters returns the number of threads currently blocked in Lock.
func (m *Mutex) Waiters() int32 {
	return atomic.LoadInt32(&m.waiters)
}
