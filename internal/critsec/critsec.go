// Package critsec implements the interrupt critical section and the
// interrupt-safe kernel spinlock. Both are infallible; misuse (recursive
// lock on a non-recursive lock, unlock by a non-owner) is undefined.
package critsec

import (
	"runtime"
	"sync/atomic"

	"github.com/utk-project/utk-kernel/internal/archx86"
)

// Saved is the interrupt-enable flag captured by Enter, to be handed back
// to Exit. It is a distinct type (rather than a bare bool) so callers
// cannot accidentally pass a random boolean and so the zero value is
// inert.
type Saved struct {
	wasEnabled bool
}

// Enter disables interrupts and returns the previous enable state. On a
// single-core build this alone is sufficient mutual exclusion.
func Enter() Saved {
	return Saved{wasEnabled: archx86.Cli()}
}

// Exit restores the interrupt-enable flag captured by Enter, but only if
// it was previously enabled — nested Enter/Exit pairs compose without the
// inner Exit prematurely re-enabling interrupts.
func Exit(s Saved) {
	archx86.Sti(s.wasEnabled)
}

// Lock is a ticket-free test-and-set spinlock that additionally enters
// the interrupt critical section on Lock and restores it on Unlock, so
// it is safe to acquire from any context including interrupt handlers.
// Spinlocks must never be held across a voluntary scheduling point.
type Lock struct {
	held  atomic.Bool
	saved Saved
}

// Lock spins with a scheduler-yield backoff hint until it acquires the
// lock, disabling interrupts on this CPU for the duration.
func (l *Lock) Lock() {
	saved := Enter()
	for !l.held.CompareAndSwap(false, true) {
		archx86.Sti(saved.wasEnabled)
		runtime.Gosched()
		saved = Enter()
	}
	l.saved = saved
}

// Unlock releases the lock and restores the interrupt-enable state that
// was in effect when Lock acquired it.
func (l *Lock) Unlock() {
	saved := l.saved
	l.held.Store(false)
	Exit(saved)
}

// TryLock attempts a single non-blocking acquire.
func (l *Lock) TryLock() bool {
	saved := Enter()
	if l.held.CompareAndSwap(false, true) {
		l.saved = saved
		return true
	}
	Exit(saved)
	return false
}
