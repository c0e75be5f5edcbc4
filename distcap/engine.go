package distcap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/ramalloc"
)

// ErrRetypeRefused is returned when the owning core declines to
// consent to a cross-core retype (spec.md §4.5.4 step 4).
var ErrRetypeRefused = errors.New("distcap: owner refused retype")

// Engine is the per-core distributed capability engine of spec.md
// §4.5: it keeps Delete, Revoke and Retype consistent across the two
// cores' capability databases, suspending callers on the caplock-wait
// queue exactly where the kernel would.
type Engine struct {
	self   kernel.CoreID
	kernel kernel.Ops
	locks  *LockTable
	queue  *DeleteQueue
	remote SyncClient
	ram    *ramalloc.Pool // optional: nil if this engine never reclaims RAM

	// tempSlot is scratch CNode addressing passed to kernel.DeleteLast
	// for materialising any RAM capability a delete reclaims.
	tempSlot kernel.CapRef

	// scratchSeq seeds throwaway dest slots HandleRetypeSync uses to
	// reserve a byte range on behalf of a remote requester that does
	// not yet have a dest slot of its own to name.
	scratchSeq uint32
}

// New constructs an Engine. ram may be nil if this core's capability
// database never produces RAM captures on delete (e.g. a core with no
// local memory allocator of its own).
func New(self kernel.CoreID, k kernel.Ops, locks *LockTable, queue *DeleteQueue, remote SyncClient, ram *ramalloc.Pool, tempSlot kernel.CapRef) *Engine {
	return &Engine{
		self:     self,
		kernel:   k,
		locks:    locks,
		queue:    queue,
		remote:   remote,
		ram:      ram,
		tempSlot: tempSlot,
	}
}

// Delete removes the local slot named by d, performing whatever
// cross-core synchronisation spec.md §4.5.2 requires so that the
// remote-relations bit I1 never lies. The three branches below mirror
// step 4 of that section exactly.
func (e *Engine) Delete(d kernel.DomainCapRef) error {
	ref := d.Ref

	remote, err := e.kernel.RemoteRelations(ref, 0, 0)
	if err != nil {
		return err
	}
	if !remote.Has(kernel.RelCopy) {
		// No copy anywhere else; nothing to synchronise (spec.md §4.5.2
		// step 2, the fast path).
		return e.finishLocalDelete(ref)
	}

	owner, err := e.kernel.GetOwner(ref)
	if err != nil {
		return err
	}
	local, err := e.kernel.HasRelations(ref, kernel.RelCopy)
	if err != nil {
		return err
	}
	if owner == e.self && local.Has(kernel.RelCopy) {
		// We own it and another local copy survives this delete: the
		// remote-relations bit is unaffected, no sync needed either
		// (spec.md §4.5.2 step 3's other fast path).
		return e.finishLocalDelete(ref)
	}

	if err := e.locks.Lock(e.kernel, ref, d); err != nil {
		return err
	}

	cap, err := e.kernel.Identify(ref)
	if err != nil {
		e.locks.Unlock(e.kernel, ref, d)
		return err
	}

	var sub DeleteSubKind
	switch {
	case owner == e.self && cap.Identity.Type.Moveable():
		sub = MoveOwner
	case owner == e.self:
		sub = DeleteForeigns
	default:
		sub = LastNonOwner
	}

	if err := e.remote.DeleteSync(d, cap.Identity, owner, sub); err != nil {
		e.locks.Unlock(e.kernel, ref, d)
		return err
	}

	// Perform the local finalising step before unlocking, not after:
	// a waiter woken by Unlock retries monitor_lock_cap and must see
	// the post-delete state, never a half-finished one (spec.md S6:
	// "the other suspends... is woken on unlock, finds the cap gone").
	var finishErr error
	switch sub {
	case MoveOwner, LastNonOwner:
		// Either ownership already moved to the peer (MoveOwner) or the
		// peer still owns the object and only needs to learn this copy
		// is gone (LastNonOwner, handled inside DeleteSync); either way
		// this slot just empties.
		finishErr = e.kernel.Nullify(ref)
	case DeleteForeigns:
		// The peer already dropped its foreign copies (DeleteSync's
		// DeleteForeigns handler, the other side of this round trip);
		// all that is left here is the owner's own local delete.
		finishErr = e.finishLocalDelete(ref)
	}

	if err := e.locks.Unlock(e.kernel, ref, d); err != nil && finishErr == nil {
		return err
	}
	return finishErr
}

// finishLocalDelete performs the final, purely-local half of a delete
// on the delete-queue worker (spec.md §4.5.1), reclaiming any RAM the
// kernel hands back.
func (e *Engine) finishLocalDelete(ref kernel.CapRef) error {
	return e.queue.RunSync(func() error {
		reclaimed, err := e.kernel.DeleteLast(ref, e.tempSlot)
		if err != nil {
			return err
		}
		if e.ram == nil {
			return nil
		}
		for _, r := range reclaimed {
			cap, err := e.kernel.Identify(r)
			if err != nil {
				continue
			}
			e.ram.Free(r, cap.Identity.Bytes)
		}
		return nil
	})
}

// Revoke marks d and every local relation of its identity as revoked,
// synchronising with the peer core first whenever a relation might
// live there (spec.md §4.5.3). It returns the peer's relations
// snapshot, used by the caller to decide whether anything remote
// still needs tearing down.
func (e *Engine) Revoke(d kernel.DomainCapRef) (kernel.Relations, error) {
	ref := d.Ref

	if err := e.locks.Lock(e.kernel, ref, d); err != nil {
		return 0, err
	}
	defer e.locks.Unlock(e.kernel, ref, d)

	if err := e.kernel.RevokeMarkTarget(ref); err != nil {
		return 0, err
	}

	cap, err := e.kernel.Identify(ref)
	if err != nil {
		return 0, err
	}

	remote, err := e.kernel.RemoteRelations(ref, 0, 0)
	if err != nil {
		return 0, err
	}

	var verdict RevokeVerdict
	if remote.Has(kernel.RelCopy) || remote.Has(kernel.RelAncestor) || remote.Has(kernel.RelDescendant) {
		verdict, err = e.remote.RevokeSync(d, cap.Identity)
		if err != nil {
			return 0, err
		}
	}

	if err := e.kernel.RevokeMarkRelations(cap.Identity); err != nil {
		return 0, err
	}

	return verdict.Relations, nil
}

// Retype carves count objects of type t, each objsize bytes starting
// at offset within d's identity, into dest. When this core is not the
// owner it first obtains the owner's consent over the wire (spec.md
// §4.5.4 step 4); two cores racing to retype the same bytes are
// resolved by whichever reaches the owner's lock first, the other
// getting ErrRetypeRefused or kernel.ErrNotRetypeable once the owner
// re-checks the shape.
func (e *Engine) Retype(d kernel.DomainCapRef, t kernel.Type, offset, objsize uint64, count uint32, dest []kernel.CapRef) error {
	if uint32(len(dest)) != count {
		return errors.New("distcap: len(dest) does not match count")
	}

	ref := d.Ref
	if err := e.locks.Lock(e.kernel, ref, d); err != nil {
		return err
	}
	defer e.locks.Unlock(e.kernel, ref, d)

	cap, err := e.kernel.Identify(ref)
	if err != nil {
		return err
	}

	owner, err := e.kernel.GetOwner(ref)
	if err != nil {
		return err
	}

	if owner == e.self {
		if err := e.kernel.IsRetypeable(ref, cap.Identity, offset, objsize, count); err != nil {
			return err
		}
	} else {
		verdict, err := e.remote.RetypeSync(d, cap.Identity, t, offset, objsize, count)
		if err != nil {
			return err
		}
		if !verdict.Consented {
			return ErrRetypeRefused
		}
	}

	for i := uint32(0); i < count; i++ {
		o := offset + uint64(i)*objsize
		if err := e.kernel.RetypeRemote(ref, dest[i], t, o, objsize, 1); err != nil {
			return err
		}
	}
	return nil
}

// The Handle* methods below run on the non-initiating core: they are
// what package dispatch calls when it demultiplexes an inbound
// DELETE/REVOKE/RETYPE sync request off the wire, the counterpart to
// the SyncClient calls Delete/Revoke/Retype make above.

// HandleDeleteSync applies the local side effects of a peer's delete,
// keyed by the sub-kind it chose (spec.md §4.5.2 step 4).
func (e *Engine) HandleDeleteSync(d kernel.DomainCapRef, sub DeleteSubKind) error {
	ref := d.Ref
	switch sub {
	case MoveOwner:
		// The peer dropped its last local copy of a moveable capability
		// we already held a copy of: ownership moves to us.
		if _, err := e.kernel.RemoteRelations(ref, 0, kernel.RelCopy); err != nil {
			return err
		}
		return e.kernel.SetOwner(ref, e.self)

	case DeleteForeigns:
		// The owner is deleting a non-moveable capability; every
		// foreign copy anywhere else must go too.
		return e.kernel.DeleteForeigns(ref)

	case LastNonOwner:
		// A non-owner dropped its only copy; as owner we just clear the
		// remote-copy bit so I1 stops lying.
		_, err := e.kernel.RemoteRelations(ref, 0, kernel.RelCopy)
		return err

	default:
		return fmt.Errorf("distcap: unknown delete sub-kind %v", sub)
	}
}

// HandleRevokeSync marks every local capability sharing identity as
// revoked, mirroring what Revoke does on the initiating core.
func (e *Engine) HandleRevokeSync(identity kernel.Identity) (RevokeVerdict, error) {
	if err := e.kernel.RevokeMarkRelations(identity); err != nil {
		return RevokeVerdict{}, err
	}
	return RevokeVerdict{}, nil
}

// HandleRetypeSync is invoked on the owning core to decide whether a
// non-owner's requested retype shape is valid. Granting consent also
// reserves the range against the source capability, the same as a
// local retype would, so a second overlapping request — whichever
// core it comes from — is refused (spec.md S3). The lock is taken on
// the owner's own LockTable so this races correctly against a
// concurrent local Retype call for the same ref.
func (e *Engine) HandleRetypeSync(d kernel.DomainCapRef, identity kernel.Identity, offset, objsize uint64, count uint32) (RetypeVerdict, error) {
	if err := e.locks.Lock(e.kernel, d.Ref, d); err != nil {
		return RetypeVerdict{}, err
	}
	defer e.locks.Unlock(e.kernel, d.Ref, d)

	if err := e.kernel.IsRetypeable(d.Ref, identity, offset, objsize, count); err != nil {
		return RetypeVerdict{Consented: false}, nil
	}

	// Reserve the range. The scratch dest is never looked up again; it
	// only exists so kernel.RetypeRemote has somewhere to record the
	// reservation without clobbering the source slot itself. The
	// requester names its own dest slots once it proceeds locally.
	scratch := kernel.CapRef{CNode: ^uint32(0), Slot: atomic.AddUint32(&e.scratchSeq, 1)}
	if err := e.kernel.RetypeRemote(d.Ref, scratch, kernel.TypeNull, offset, objsize, count); err != nil {
		return RetypeVerdict{Consented: false}, nil
	}
	return RetypeVerdict{Consented: true}, nil
}
