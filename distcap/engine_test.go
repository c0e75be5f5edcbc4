package distcap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/ramalloc"
)

// pairedSyncClient wires one core's Engine directly to its peer's
// Handle* methods, standing in for the real async.Multiplexer round
// trip a wire-level SyncClient performs (package dispatch's
// AsyncSyncClient owns that implementation).
type pairedSyncClient struct {
	peer *Engine
}

func (p *pairedSyncClient) DeleteSync(d kernel.DomainCapRef, identity kernel.Identity, owner kernel.CoreID, sub DeleteSubKind) error {
	return p.peer.HandleDeleteSync(d, sub)
}

func (p *pairedSyncClient) RevokeSync(d kernel.DomainCapRef, identity kernel.Identity) (RevokeVerdict, error) {
	return p.peer.HandleRevokeSync(identity)
}

func (p *pairedSyncClient) RetypeSync(d kernel.DomainCapRef, identity kernel.Identity, t kernel.Type, offset, objsize uint64, count uint32) (RetypeVerdict, error) {
	return p.peer.HandleRetypeSync(d, identity, offset, objsize, count)
}

func ref(slot uint32) kernel.CapRef { return kernel.CapRef{CNode: 1, Slot: slot} }

func tempSlotFor(cnode uint32) kernel.CapRef { return kernel.CapRef{CNode: cnode, Slot: 0xffff} }

// S1 — local delete, no remote copies: RAM returned to the pool, slot
// empty, no cross-core sync attempted.
func TestDelete_S1_LocalOnly_ReturnsRAMAndEmptiesSlot(t *testing.T) {
	k := kernel.NewFake()
	pool := ramalloc.New(k, 1, 4096)
	capRef, err := pool.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if got := pool.Available(); got != 0 {
		t.Fatalf("available after alloc = %d, want 0", got)
	}

	locks := NewLockTable()
	queue := NewDeleteQueue(4)
	defer queue.Stop()
	e := New(0, k, locks, queue, nil, pool, tempSlotFor(1))

	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: capRef}
	if err := e.Delete(d); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if got := pool.Available(); got != 4096 {
		t.Fatalf("available after delete = %d, want 4096", got)
	}
	if _, err := k.Identify(capRef); err == nil {
		t.Fatal("expected slot to be empty after delete")
	}
}

// S2 — delete last copy with moveable type: ownership moves to the
// peer via MOVE_OWNER, core 0's slot nullifies.
func TestDelete_S2_LastMoveableCopy_TransfersOwnership(t *testing.T) {
	k0 := kernel.NewFake()
	k1 := kernel.NewFake()

	frame := ref(5)
	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: frame}

	k0.Put(frame, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
		Remote:   kernel.RelCopy, // core 1 holds a copy
	})
	k1.Put(frame, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
	})

	locks0 := NewLockTable()
	q0 := NewDeleteQueue(1)
	defer q0.Stop()
	e1 := New(1, k1, NewLockTable(), NewDeleteQueue(1), nil, nil, tempSlotFor(1))
	e0 := New(0, k0, locks0, q0, &pairedSyncClient{peer: e1}, nil, tempSlotFor(1))

	if err := e0.Delete(d); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := k0.Identify(frame); err == nil {
		t.Fatal("expected core 0's slot to be empty")
	}

	c1, err := k1.Identify(frame)
	if err != nil {
		t.Fatalf("core 1 Identify: %v", err)
	}
	if c1.Owner != 1 {
		t.Fatalf("core 1 owner = %d, want 1", c1.Owner)
	}
	if c1.Remote.Has(kernel.RelCopy) {
		t.Fatal("core 1 should no longer show a remote copy (P2)")
	}
}

// Owner deletes a non-moveable capability (an EndPoint, never movable
// per kernel.Type.Moveable) while a foreign copy survives on the peer:
// the DELETE_FOREIGNS sub-kind. The peer's HandleDeleteSync must be
// the side that calls DeleteForeigns, not the initiator; on kernel.Fake
// that call is a documented no-op (a real foreign-copy teardown is a
// cross-core effect a single Fake instance cannot model), so the
// peer's slot is expected to survive while the owner's own slot is
// gone once Delete returns.
func TestDelete_NonMoveableForeignCopy_OwnerFinishesAndPeerAppliesDeleteForeigns(t *testing.T) {
	k0 := kernel.NewFake()
	k1 := kernel.NewFake()

	ep := ref(13)
	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: ep}

	k0.Put(ep, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeEndPoint},
		Owner:    0,
		Remote:   kernel.RelCopy,
	})
	k1.Put(ep, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeEndPoint},
		Owner:    0,
	})

	e1 := New(1, k1, NewLockTable(), NewDeleteQueue(1), nil, nil, tempSlotFor(1))
	e0 := New(0, k0, NewLockTable(), NewDeleteQueue(1), &pairedSyncClient{peer: e1}, nil, tempSlotFor(1))

	if err := e0.Delete(d); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := k0.Identify(ep); err == nil {
		t.Fatal("expected owner's slot to be empty after delete")
	}
	if _, err := k1.Identify(ep); err != nil {
		t.Fatalf("peer Identify: %v (kernel.Fake.DeleteForeigns is a documented no-op)", err)
	}
}

// S3 — retype with cross-core consensus: whichever retype reaches the
// owner's lock second is refused consistently.
func TestRetype_S3_ConcurrentRetype_OnlyOneSucceeds(t *testing.T) {
	k0 := kernel.NewFake() // owner, core 0
	k1 := kernel.NewFake() // requester, core 1

	src := ref(7)
	frame := kernel.Identity{Type: kernel.TypeFrame, Bytes: 8192}
	k0.Put(src, kernel.Capability{Identity: frame, Owner: 0})
	k1.Put(src, kernel.Capability{Identity: frame, Owner: 0})

	e0 := New(0, k0, NewLockTable(), NewDeleteQueue(1), nil, nil, tempSlotFor(1))
	e1 := New(1, k1, NewLockTable(), NewDeleteQueue(1), &pairedSyncClient{peer: e0}, nil, tempSlotFor(1))

	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: src}

	var wg sync.WaitGroup
	wg.Add(2)
	var err0, err1 error

	go func() {
		defer wg.Done()
		dest := []kernel.CapRef{ref(100), ref(101)}
		err0 = e0.Retype(d, kernel.TypeFrame, 0, 4096, 2, dest)
	}()
	go func() {
		defer wg.Done()
		dest := []kernel.CapRef{ref(200), ref(201)}
		err1 = e1.Retype(d, kernel.TypeFrame, 0, 4096, 2, dest)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for concurrent retypes")
	}

	succeeded := 0
	if err0 == nil {
		succeeded++
	}
	if err1 == nil {
		succeeded++
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one retype to succeed, got err0=%v err1=%v", err0, err1)
	}
}

// S6 — cap-lock contention: two concurrent deletes race for the same
// cap; the loser suspends on the caplock-wait queue, wakes, and finds
// the cap already gone.
func TestDelete_S6_ConcurrentDelete_LoserGetsNotFound(t *testing.T) {
	k0 := kernel.NewFake()
	k1 := kernel.NewFake()

	capRef := ref(9)
	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: capRef}

	k0.Put(capRef, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
		Remote:   kernel.RelCopy,
	})
	k1.Put(capRef, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
	})

	locks := NewLockTable()
	q := NewDeleteQueue(2)
	defer q.Stop()
	e1 := New(1, k1, NewLockTable(), NewDeleteQueue(1), nil, nil, tempSlotFor(1))
	e0 := New(0, k0, locks, q, &pairedSyncClient{peer: e1}, nil, tempSlotFor(1))

	var wg sync.WaitGroup
	wg.Add(2)
	var errA, errB error
	go func() { defer wg.Done(); errA = e0.Delete(d) }()
	go func() { defer wg.Done(); errB = e0.Delete(d) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for concurrent deletes")
	}

	successes, notFounds := 0, 0
	for _, err := range []error{errA, errB} {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, kernel.ErrNotFound):
			notFounds++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || notFounds != 1 {
		t.Fatalf("successes=%d notFounds=%d, want 1 and 1 (errA=%v errB=%v)", successes, notFounds, errA, errB)
	}
}

// Property P3 — at most one core reports itself as owner.
func TestProperty_P3_SingleOwner_AfterMoveOwner(t *testing.T) {
	k0 := kernel.NewFake()
	k1 := kernel.NewFake()

	frame := ref(11)
	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: frame}
	k0.Put(frame, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
		Remote:   kernel.RelCopy,
	})
	k1.Put(frame, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
	})

	e1 := New(1, k1, NewLockTable(), NewDeleteQueue(1), nil, nil, tempSlotFor(1))
	e0 := New(0, k0, NewLockTable(), NewDeleteQueue(1), &pairedSyncClient{peer: e1}, nil, tempSlotFor(1))

	if err := e0.Delete(d); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Core 0's slot is gone, so it cannot report ownership any more;
	// only core 1's surviving copy can, and it must say 1.
	if _, err := k0.Identify(frame); err == nil {
		t.Fatal("core 0 should no longer have a copy to report ownership from")
	}
	c1, err := k1.Identify(frame)
	if err != nil {
		t.Fatalf("core 1 Identify: %v", err)
	}
	if c1.Owner != 1 {
		t.Fatalf("owner = %d, want 1 (single owner)", c1.Owner)
	}
}
