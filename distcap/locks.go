// Package distcap implements the distributed capability engine of
// SPEC_FULL.md §3.1, §3.5 and §4.5: delete, revoke and retype kept
// consistent across the two per-core capability databases via
// cap-locking, a caplock-wait queue, and a delete-queue for deferred
// cleanup.
//
// Where the C source suspends a handler by stashing a continuation
// and resuming it later (spec.md §9, "callback-driven suspension"),
// this package instead gives each in-flight distributed operation its
// own goroutine that blocks on a channel: the functional equivalent,
// without hand-rolled continuation bookkeeping. A handler in package
// dispatch that calls into distcap is itself running on its own
// goroutine, so blocking here only ever stalls that one request, not
// the per-core event loop — see SPEC_FULL.md §D's dispatch notes.
package distcap

import (
	"github.com/jacobsa/syncutil"

	"github.com/parallelcore/mkinit/kernel"
)

// LockTable is the per-core caplock-wait queue of spec.md §4.5.5,
// keyed by domain cap-ref. Wait does not guarantee ordering beyond
// FIFO on the same core, matching the spec precisely.
type LockTable struct {
	mu syncutil.InvariantMutex

	// waiters maps a locked domain cap-ref to the channels parked
	// goroutines are waiting to be closed.
	//
	// INVARIANT: no key maps to an empty slice (we delete once drained)
	waiters map[kernel.DomainCapRef][]chan struct{} // GUARDED_BY(mu)
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	t := &LockTable{waiters: make(map[kernel.DomainCapRef][]chan struct{})}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *LockTable) checkInvariants() {
	for k, v := range t.waiters {
		if len(v) == 0 {
			panic("distcap: LockTable has an empty waiter slice for " + k.String())
		}
	}
}

// Lock acquires the kernel lock on ref, suspending the calling
// goroutine on the caplock-wait queue keyed by d whenever the kernel
// reports it already locked (spec.md §4.5.2 step 3, §4.5.5).
func (t *LockTable) Lock(k kernel.Ops, ref kernel.CapRef, d kernel.DomainCapRef) error {
	for {
		err := k.Lock(ref)
		if err == nil {
			return nil
		}
		if err != kernel.ErrCapLocked {
			return err
		}

		ch := make(chan struct{})
		t.mu.Lock()
		t.waiters[d] = append(t.waiters[d], ch)
		t.mu.Unlock()

		<-ch // caplock_wait(d, ...): resumed by the unlocker below
	}
}

// Unlock releases the kernel lock on ref and wakes exactly one waiter
// queued on d, if any (spec.md §4.5.5: "wakes one waiter").
func (t *LockTable) Unlock(k kernel.Ops, ref kernel.CapRef, d kernel.DomainCapRef) error {
	if err := k.Unlock(ref); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.waiters[d]
	if len(q) == 0 {
		return nil
	}

	next := q[0]
	if len(q) == 1 {
		delete(t.waiters, d)
	} else {
		t.waiters[d] = q[1:]
	}
	close(next)
	return nil
}
