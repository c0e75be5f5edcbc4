// Package captransfer implements the cap-transfer codec of
// SPEC_FULL.md §4.1: serialising a capability's identity, owner and
// relations into a self-describing record that can cross a channel
// which cannot carry capabilities directly (the shared-memory channel
// of spec.md §3.2), and reconstructing a capability from that record
// on the receiving core.
package captransfer

import (
	"github.com/parallelcore/mkinit/kernel"
)

// Transfer is the wire record produced by Move or Copy and consumed
// by FromTransfer. A zero-value Transfer with Valid == false models
// NULL_CAP and round-trips faithfully (spec.md Property P1).
type Transfer struct {
	Valid     bool
	Identity  kernel.Identity
	Owner     kernel.CoreID
	Relations kernel.Relations
}

// Move reads ref's identity and local relations, sets the COPY bit in
// ref's remote relations (the peer will hold a copy after receipt),
// then nullifies the local slot. If ref has further local copies the
// current core (self) remains owner; otherwise, for a moveable type,
// ownership transfers to the peer. Nullifying the last local copy of
// a non-moveable type is a programming error and Move panics, mirroring
// the "abort" the spec mandates for that case (spec.md §4.1).
func Move(k kernel.Ops, ref kernel.CapRef, self kernel.CoreID) (Transfer, error) {
	cap, err := k.Identify(ref)
	if err != nil {
		return Transfer{}, err
	}

	local, err := k.HasRelations(ref, ^kernel.Relations(0))
	if err != nil {
		return Transfer{}, err
	}

	t := Transfer{
		Valid:     true,
		Identity:  cap.Identity,
		Owner:     cap.Owner,
		Relations: local,
	}

	if _, err := k.RemoteRelations(ref, kernel.RelCopy, kernel.RelCopy); err != nil {
		return Transfer{}, err
	}

	hasLocalCopy := local.Has(kernel.RelCopy)
	if !hasLocalCopy {
		if !cap.Identity.Type.Moveable() {
			panic("captransfer: Move of last copy of a non-moveable capability")
		}
		t.Owner = self ^ 1 // the only other core in a two-core system
	}

	if err := k.Nullify(ref); err != nil {
		return Transfer{}, err
	}

	return t, nil
}

// Copy reads ref's identity and relations, sets the COPY bit in ref's
// remote relations, and leaves the local slot intact — the peer
// becomes a copy-holder while this core keeps its copy.
func Copy(k kernel.Ops, ref kernel.CapRef) (Transfer, error) {
	cap, err := k.Identify(ref)
	if err != nil {
		return Transfer{}, err
	}

	local, err := k.HasRelations(ref, ^kernel.Relations(0))
	if err != nil {
		return Transfer{}, err
	}

	t := Transfer{
		Valid:     true,
		Identity:  cap.Identity,
		Owner:     cap.Owner,
		Relations: local,
	}

	if _, err := k.RemoteRelations(ref, kernel.RelCopy, kernel.RelCopy); err != nil {
		return Transfer{}, err
	}

	return t, nil
}

// FromTransfer allocates an empty slot dest and materialises a
// capability from t's identity, owner and relations there. A Transfer
// with Valid == false reconstructs as an empty (NULL_CAP) slot.
func FromTransfer(k kernel.Ops, t Transfer, dest kernel.CapRef) error {
	if !t.Valid {
		return k.Nullify(dest)
	}

	if err := k.Create(dest, t.Identity, t.Owner); err != nil {
		return err
	}

	if _, err := k.RemoteRelations(dest, t.Relations, ^kernel.Relations(0)); err != nil {
		return err
	}

	return nil
}
