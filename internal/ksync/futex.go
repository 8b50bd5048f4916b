// Package ksync implements the kernel-internal futex and the semaphore
// and priority-inheritance mutex layered on it. This module runs on the
// stock Go runtime, so a waiter's suspension is modeled as a goroutine
// blocking on its own channel rather than a call into a runtime park
// primitive; the wait-queue discipline, wake-reason taxonomy, and
// priority-inheritance bookkeeping are otherwise unchanged.
package ksync

import (
	"context"
	"sync/atomic"

	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/queue"
	"github.com/utk-project/utk-kernel/internal/sched"
)

// WakeReason distinguishes why a futex wait returned.
type WakeReason int

const (
	ReasonWake WakeReason = iota
	ReasonCancelled
	ReasonDestroyed
)

// Discipline flag bits select the futex's wait-queue ordering; exactly
// one must be set, specifying both is an error.
const (
	FlagFIFO     uint32 = 1 << 0
	FlagPriority uint32 = 1 << 1
)

type discipline int

const (
	disciplineFIFO discipline = iota
	disciplinePriority
)

func disciplineFromFlags(flags uint32) (discipline, error) {
	switch flags {
	case FlagFIFO:
		return disciplineFIFO, nil
	case FlagPriority:
		return disciplinePriority, nil
	default:
		return 0, kerr.New(kerr.IncorrectValue, "ksync", "flags must specify exactly one queuing discipline")
	}
}

type waiterRecord struct {
	ch     chan WakeReason
	thread *sched.Thread
}

// Futex is the kernel-internal wait/wake primitive, backed by an
// observed int32 handle.
type Futex struct {
	lock       critsec.Lock
	handle     *int32
	discipline discipline
	waitQ      *queue.Queue
	destroyed  bool
}

// NewFutex wraps handle, an integer cell waiters observe, with the
// queuing discipline flags selects.
func NewFutex(handle *int32, flags uint32) (*Futex, error) {
	if handle == nil {
		return nil, kerr.New(kerr.NullPointer, "ksync.NewFutex", "")
	}
	d, err := disciplineFromFlags(flags)
	if err != nil {
		return nil, err
	}
	return &Futex{handle: handle, discipline: d, waitQ: queue.New()}, nil
}

// Wait atomically enqueues the caller if *handle == expected, then
// blocks until woken, cancelled via ctx, or the futex is destroyed.
// thread, if non-nil, is released through the scheduler contract when a
// waker pops this waiter.
func (f *Futex) Wait(ctx context.Context, expected int32, thread *sched.Thread) (WakeReason, error) {
	f.lock.Lock()
	if f.destroyed {
		f.lock.Unlock()
		return 0, kerr.New(kerr.Destroyed, "ksync.Futex.Wait", "")
	}
	if atomic.LoadInt32(f.handle) != expected {
		f.lock.Unlock()
		return 0, kerr.New(kerr.NotBlocked, "ksync.Futex.Wait", "")
	}

	w := &waiterRecord{ch: make(chan WakeReason, 1), thread: thread}
	n := queue.NewNode(w)
	switch f.discipline {
	case disciplinePriority:
		prio := uint64(0)
		if thread != nil {
			prio = uint64(thread.Priority)
		}
		f.waitQ.PushPriority(n, prio)
	default:
		f.waitQ.Push(n)
	}
	f.lock.Unlock()

	select {
	case reason := <-w.ch:
		if reason == ReasonDestroyed {
			return reason, kerr.New(kerr.Destroyed, "ksync.Futex.Wait", "")
		}
		return reason, nil
	case <-ctx.Done():
		f.lock.Lock()
		if n.Enlisted() {
			f.waitQ.Remove(n)
			f.lock.Unlock()
			return ReasonCancelled, kerr.New(kerr.Cancelled, "ksync.Futex.Wait", "")
		}
		f.lock.Unlock()
		// a waker already popped this node; take its verdict instead of
		// the context's, matching "cancellation while waiting" racing a
		// concurrent wake in the caller's favor.
		reason := <-w.ch
		if reason == ReasonDestroyed {
			return reason, kerr.New(kerr.Destroyed, "ksync.Futex.Wait", "")
		}
		return reason, nil
	}
}

// Wake releases at most count waiters in queue order, returning the
// number actually released. Safe on an empty queue.
func (f *Futex) Wake(count int) (int, error) {
	f.lock.Lock()
	if f.destroyed {
		f.lock.Unlock()
		return 0, kerr.New(kerr.Destroyed, "ksync.Futex.Wake", "")
	}
	released := 0
	var woken []*waiterRecord
	for released < count {
		n := f.waitQ.Pop()
		if n == nil {
			break
		}
		w := n.Data.(*waiterRecord)
		queue.DestroyNode(n)
		woken = append(woken, w)
		released++
	}
	f.lock.Unlock()

	for _, w := range woken {
		if sched.Current != nil && w.thread != nil {
			sched.Current.Release(w.thread)
		}
		w.ch <- ReasonWake
	}
	return released, nil
}

// Destroy wakes every waiter with ReasonDestroyed and marks the futex
// unusable; a second Destroy returns Destroyed.
func (f *Futex) Destroy() error {
	f.lock.Lock()
	if f.destroyed {
		f.lock.Unlock()
		return kerr.New(kerr.Destroyed, "ksync.Futex.Destroy", "")
	}
	f.destroyed = true
	var waiting []*waiterRecord
	for {
		n := f.waitQ.Pop()
		if n == nil {
			break
		}
		w := n.Data.(*waiterRecord)
		queue.DestroyNode(n)
		waiting = append(waiting, w)
	}
	f.lock.Unlock()

	for _, w := range waiting {
		w.ch <- ReasonDestroyed
	}
	return nil
}
