package captransfer

import (
	"fmt"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/parallelcore/mkinit/kernel"
)

const (
	core0 kernel.CoreID = 0
	core1 kernel.CoreID = 1
)

func TestMove_LastCopyMoveableType_TransfersOwnership(t *testing.T) {
	f := kernel.NewFake()
	ref := kernel.CapRef{CNode: 1, Slot: 0}
	f.Put(ref, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    core0,
	})

	tr, err := Move(f, ref, core0)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !tr.Valid {
		t.Fatalf("expected valid transfer")
	}
	if tr.Owner != core1 {
		t.Errorf("owner = %v, want %v (moved to peer)", tr.Owner, core1)
	}

	if _, err := f.Identify(ref); err == nil {
		t.Errorf("expected source slot to be nullified after Move")
	}
}

func TestMove_RetainsLocalCopy_OwnerUnchanged(t *testing.T) {
	f := kernel.NewFake()
	ref := kernel.CapRef{CNode: 1, Slot: 0}
	f.Put(ref, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    core0,
		Local:    kernel.RelCopy,
	})

	tr, err := Move(f, ref, core0)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if tr.Owner != core0 {
		t.Errorf("owner = %v, want %v (retained by source)", tr.Owner, core0)
	}
}

func TestMove_LastCopyNonMoveableType_Panics(t *testing.T) {
	f := kernel.NewFake()
	ref := kernel.CapRef{CNode: 1, Slot: 0}
	f.Put(ref, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeEndPoint},
		Owner:    core0,
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-moveable last-copy move")
		}
	}()
	_, _ = Move(f, ref, core0)
}

func TestCopy_LeavesLocalSlotIntact(t *testing.T) {
	f := kernel.NewFake()
	ref := kernel.CapRef{CNode: 1, Slot: 0}
	f.Put(ref, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeRAM, Bytes: 4096},
		Owner:    core0,
	})

	tr, err := Copy(f, ref)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if _, err := f.Identify(ref); err != nil {
		t.Errorf("expected source slot to survive Copy, got %v", err)
	}
	if tr.Owner != core0 {
		t.Errorf("owner = %v, want unchanged %v", tr.Owner, core0)
	}
}

func TestRoundTrip_InvalidTransferReconstructsAsEmpty(t *testing.T) {
	f := kernel.NewFake()
	dest := kernel.CapRef{CNode: 2, Slot: 0}

	if err := FromTransfer(f, Transfer{Valid: false}, dest); err != nil {
		t.Fatalf("FromTransfer: %v", err)
	}
	if _, err := f.Identify(dest); err == nil {
		t.Errorf("expected dest to remain empty for an invalid transfer")
	}
}

func TestRoundTrip_MoveThenFromTransfer_PreservesIdentity(t *testing.T) {
	src := kernel.NewFake()
	dst := kernel.NewFake()

	ref := kernel.CapRef{CNode: 1, Slot: 0}
	want := kernel.Identity{Type: kernel.TypeFrame, Base: 0x1000, Bytes: 4096}
	src.Put(ref, kernel.Capability{Identity: want, Owner: core0})

	tr, err := Move(src, ref, core0)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}

	destRef := kernel.CapRef{CNode: 1, Slot: 0}
	if err := FromTransfer(dst, tr, destRef); err != nil {
		t.Fatalf("FromTransfer: %v", err)
	}

	got, err := dst.Identify(destRef)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got.Identity != want {
		t.Errorf("identity mismatch:\n%s", diffIdentity(got.Identity, want))
	}
	if got.Owner != core1 {
		t.Errorf("owner = %v, want %v", got.Owner, core1)
	}
}

// diffIdentity pretty-prints a struct diff the way the teacher's own
// ogletest failures do under the hood, for the one assertion in this
// suite where a plain %+v would bury the mismatched field.
func diffIdentity(got, want kernel.Identity) string {
	return fmt.Sprintf("got:\n%s\nwant:\n%s", pretty.Sprint(got), pretty.Sprint(want))
}
