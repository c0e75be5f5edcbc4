package kernel

import (
	"fmt"
	"sync"
)

// Fake is an in-memory stand-in for the real kernel capability
// primitives, used by the distcap/procmgr test suites the way
// samples/memfs stands in for a real filesystem in the teacher.
type Fake struct {
	mu     sync.Mutex
	caps   map[CapRef]*Capability
	locked map[CapRef]bool
	next   uint32

	// retyped tracks, per source ref, the byte ranges already carved
	// out by a prior retype, so a second overlapping retype attempt is
	// refused the way a real kernel would refuse re-retyping consumed
	// memory.
	retyped map[CapRef][]byteRange
}

type byteRange struct{ start, end uint64 }

func (r byteRange) overlaps(o byteRange) bool {
	return r.start < o.end && o.start < r.end
}

// NewFake returns an empty fake capability store.
func NewFake() *Fake {
	return &Fake{
		caps:    make(map[CapRef]*Capability),
		locked:  make(map[CapRef]bool),
		retyped: make(map[CapRef][]byteRange),
	}
}

// Put installs a capability at ref, for test setup.
func (f *Fake) Put(ref CapRef, cap Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := cap
	f.caps[ref] = &c
}

func (f *Fake) get(ref CapRef) (*Capability, error) {
	c, ok := f.caps[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return c, nil
}

func (f *Fake) Identify(ref CapRef) (Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return Capability{}, err
	}
	return *c, nil
}

func (f *Fake) HasRelations(ref CapRef, mask Relations) (Relations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return 0, err
	}
	return c.Local & mask, nil
}

func (f *Fake) RemoteRelations(ref CapRef, set, mask Relations) (Relations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return 0, err
	}
	prev := c.Remote
	c.Remote = (c.Remote &^ mask) | (set & mask)
	return prev, nil
}

func (f *Fake) GetOwner(ref CapRef) (CoreID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return 0, err
	}
	return c.Owner, nil
}

func (f *Fake) SetOwner(ref CapRef, owner CoreID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return err
	}
	c.Owner = owner
	return nil
}

func (f *Fake) Create(slot CapRef, identity Identity, owner CoreID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps[slot] = &Capability{Identity: identity, Owner: owner}
	return nil
}

func (f *Fake) Nullify(ref CapRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.caps, ref)
	return nil
}

func (f *Fake) DeleteForeigns(ref CapRef) error {
	// The fake models a single core's slot table; foreign copies live
	// in the peer's Fake instance, so this is a no-op locally.
	return nil
}

func (f *Fake) DeleteLast(ref CapRef, tempSlot CapRef) ([]CapRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return nil, err
	}
	delete(f.caps, ref)
	if c.Identity.Type == TypeRAM {
		f.next++
		reclaimed := CapRef{CNode: tempSlot.CNode, Slot: f.next}
		f.caps[reclaimed] = &Capability{Identity: c.Identity, Owner: c.Owner}
		return []CapRef{reclaimed}, nil
	}
	return nil, nil
}

func (f *Fake) RevokeMarkTarget(ref CapRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.get(ref)
	return err
}

func (f *Fake) RevokeMarkRelations(identity Identity) error {
	return nil
}

func (f *Fake) Lock(ref CapRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(ref); err != nil {
		return err
	}
	if f.locked[ref] {
		return ErrCapLocked
	}
	f.locked[ref] = true
	return nil
}

func (f *Fake) Unlock(ref CapRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, ref)
	return nil
}

func (f *Fake) IsRetypeable(ref CapRef, identity Identity, offset, objsize uint64, count uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if identity.Bytes < offset+objsize*uint64(count) {
		return ErrNotRetypeable
	}
	want := byteRange{offset, offset + objsize*uint64(count)}
	for _, r := range f.retyped[ref] {
		if r.overlaps(want) {
			return ErrNotRetypeable
		}
	}
	return nil
}

func (f *Fake) RetypeRemote(ref CapRef, dest CapRef, t Type, offset, objsize uint64, count uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, err := f.get(ref)
	if err != nil {
		return err
	}
	want := byteRange{offset, offset + objsize*uint64(count)}
	for _, r := range f.retyped[ref] {
		if r.overlaps(want) {
			return ErrNotRetypeable
		}
	}
	f.retyped[ref] = append(f.retyped[ref], want)
	f.caps[dest] = &Capability{
		Identity: Identity{Type: t, Base: src.Identity.Base + offset, Bytes: objsize * uint64(count)},
		Owner:    src.Owner,
	}
	return nil
}

var _ Ops = (*Fake)(nil)
