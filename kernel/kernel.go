// Package kernel declares the primitive in-kernel capability operations
// that the distributed capability engine is layered on top of (see
// SPEC_FULL.md §4.5.1). The real operations are kernel invocations
// (monitor_cap_identify, monitor_lock_cap, ...); this package only
// specifies their Go-level contract so the rest of the tree can be
// exercised against a fake.
package kernel

import (
	"errors"
	"fmt"
)

// CoreID identifies one of the (at most two) cooperating init domains.
type CoreID uint8

// CapRef addresses a capability within a two-level CSpace: a CNode
// and a slot within that CNode. The CSpace root it is addressed in is
// carried separately, by DomainCapRef.
type CapRef struct {
	CNode uint32
	Slot  uint32
}

func (r CapRef) String() string {
	return fmt.Sprintf("%d:%d", r.CNode, r.Slot)
}

// IsNull reports whether r names no capability (the NULL_CAP).
func (r CapRef) IsNull() bool {
	return r == CapRef{}
}

// DomainCapRef pairs a cap-ref with the CSpace root it is addressed
// in, the currency of every distributed operation (spec.md §3.1).
type DomainCapRef struct {
	Root CapRef
	Ref  CapRef
}

func (d DomainCapRef) String() string {
	return fmt.Sprintf("%s/%s", d.Root, d.Ref)
}

// Type is a capability's kernel type tag.
type Type uint16

const (
	TypeNull Type = iota
	TypeRAM
	TypeFrame
	TypeCNode
	TypeDispatcher
	TypeEndPoint
	TypeKernelControlBlock
)

// Moveable reports whether ownership of a capability of this type may
// move between cores (spec.md §3.1: "Ownership moves only for types
// classified as moveable").
func (t Type) Moveable() bool {
	switch t {
	case TypeRAM, TypeFrame, TypeCNode:
		return true
	default:
		return false
	}
}

// Relations is the 3-bit per-core remote-relations vector of spec.md §3.1.
type Relations uint8

const (
	RelCopy Relations = 1 << iota
	RelAncestor
	RelDescendant
)

func (r Relations) Has(bit Relations) bool { return r&bit != 0 }

// Identity is the self-describing byte content of a capability,
// opaque to everything above the kernel boundary.
type Identity struct {
	Type   Type
	Base   uint64
	Bytes  uint64
	Offset uint64
}

// Capability is what monitor_cap_identify returns: a capability's
// full contents as observed from the local core.
type Capability struct {
	Identity Identity
	Owner    CoreID
	Local    Relations
	Remote   Relations
}

var (
	// ErrCapLocked mirrors CAP_LOCKED: transient, callers must suspend
	// on the caplock-wait queue and retry (spec.md §7).
	ErrCapLocked = errors.New("kernel: capability locked")
	// ErrRetryThroughMonitor signals the operation needs a distributed
	// round trip (spec.md §7).
	ErrRetryThroughMonitor = errors.New("kernel: retry through monitor")
	ErrNotFound            = errors.New("kernel: capability not found")
	ErrNotRetypeable       = errors.New("kernel: not retypeable")
)

// Ops is the set of in-kernel primitives the distributed capability
// engine (package distcap) is built on. Every method here corresponds
// 1:1 to a monitor_* invocation in spec.md §4.5.1.
type Ops interface {
	// Identify reads a capability's full contents.
	Identify(ref CapRef) (Capability, error)

	// HasRelations returns the local-only relations bits set on ref.
	HasRelations(ref CapRef, mask Relations) (Relations, error)

	// RemoteRelations reads the remote-relations word and sets each bit
	// selected by mask to its value in set (mask 0 only reads),
	// returning the previous value.
	RemoteRelations(ref CapRef, set, mask Relations) (prev Relations, err error)

	GetOwner(ref CapRef) (CoreID, error)
	SetOwner(ref CapRef, owner CoreID) error

	// Create materialises a capability from identity bytes into slot.
	Create(slot CapRef, identity Identity, owner CoreID) error

	// Nullify empties a slot without affecting the underlying object.
	Nullify(ref CapRef) error

	// DeleteForeigns deletes every copy held on this core other than ref.
	DeleteForeigns(ref CapRef) error

	// DeleteLast performs the final local delete of a capability,
	// returning the RAM capability(s) reclaimed, if any.
	DeleteLast(ref CapRef, tempSlot CapRef) ([]CapRef, error)

	RevokeMarkTarget(ref CapRef) error
	RevokeMarkRelations(identity Identity) error

	Lock(ref CapRef) error
	Unlock(ref CapRef) error

	// IsRetypeable reports whether a retype of the given shape would
	// succeed against ref's current state, without performing it. A
	// capability already retyped over an overlapping range reports
	// ErrNotRetypeable for any further overlapping attempt.
	IsRetypeable(ref CapRef, identity Identity, offset, objsize uint64, count uint32) error

	// RetypeRemote performs a retype of a capability this core does
	// not own, once the peer has consented (spec.md §4.5.4 step 4).
	RetypeRemote(ref CapRef, dest CapRef, t Type, offset, objsize uint64, count uint32) error
}
