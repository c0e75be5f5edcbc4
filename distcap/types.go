package distcap

import "github.com/parallelcore/mkinit/kernel"

// DeleteSubKind distinguishes the three shapes a cross-core delete
// round trip can take, per spec.md §4.5.2 step 4.
type DeleteSubKind int

const (
	// MoveOwner is taken when the deleting core owns a moveable
	// capability and is deleting its last local copy: ownership must
	// move to the peer instead of the object being destroyed.
	MoveOwner DeleteSubKind = iota + 1

	// DeleteForeigns is taken when the deleting core owns a
	// non-moveable capability: the peer's copies must be torn down
	// and the object destroyed here.
	DeleteForeigns

	// LastNonOwner is taken when the deleting core does not own the
	// capability and is dropping its only local copy: the owner must
	// be told the remote copy is gone.
	LastNonOwner
)

func (k DeleteSubKind) String() string {
	switch k {
	case MoveOwner:
		return "MOVE_OWNER"
	case DeleteForeigns:
		return "DELETE_FOREIGNS"
	case LastNonOwner:
		return "LAST_NONOWNER"
	default:
		return "UNKNOWN"
	}
}

// RevokeVerdict and RetypeVerdict carry the peer's answer back from a
// cross-core revoke/retype round trip (spec.md §4.5.3, §4.5.4).
type RevokeVerdict struct {
	Relations kernel.Relations
}

type RetypeVerdict struct {
	Consented bool
}

// SyncClient is the cross-core half of a distributed capability
// operation: everything an Engine needs from the peer core, without
// importing package dispatch (which depends on distcap, not the
// reverse). The concrete implementation lives in package dispatch,
// wired to the async.Multiplexer connecting the two cores.
type SyncClient interface {
	// DeleteSync tells the peer core that d is being deleted here with
	// the given sub-kind, and waits for it to finish its side.
	DeleteSync(d kernel.DomainCapRef, identity kernel.Identity, owner kernel.CoreID, sub DeleteSubKind) error

	// RevokeSync tells the peer core to mark every copy/descendant of
	// identity as revoked and waits for its relations snapshot.
	RevokeSync(d kernel.DomainCapRef, identity kernel.Identity) (RevokeVerdict, error)

	// RetypeSync asks the peer core (the owner) to consent to
	// retyping identity into count objects of type t at the given
	// offset/objsize.
	RetypeSync(d kernel.DomainCapRef, identity kernel.Identity, t kernel.Type, offset, objsize uint64, count uint32) (RetypeVerdict, error)
}
