package distcap

import (
	"fmt"
	"testing"

	"github.com/parallelcore/mkinit/kernel"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestLockTable(t *testing.T) { RunTests(t) }

type LockTableTest struct {
	k kernel.Ops
	d kernel.DomainCapRef
}

func init() { RegisterTestSuite(&LockTableTest{}) }

func (t *LockTableTest) SetUp(ti *TestInfo) {
	t.k = kernel.NewFake()
	t.d = kernel.DomainCapRef{
		Root: kernel.CapRef{CNode: 1},
		Ref:  kernel.CapRef{CNode: 1, Slot: 0},
	}
}

func (t *LockTableTest) Lock_UncontendedRef_SucceedsImmediately() {
	table := NewLockTable()
	ref := kernel.CapRef{CNode: 1, Slot: 0}
	t.k.(*kernel.Fake).Put(ref, kernel.Capability{Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096}})

	err := table.Lock(t.k, ref, t.d)
	AssertEq(nil, err)

	ExpectThat(table.waiters, HasKey_Not(t.d))
}

func (t *LockTableTest) Unlock_NoWaiters_IsANoOp() {
	table := NewLockTable()
	ref := kernel.CapRef{CNode: 1, Slot: 0}
	t.k.(*kernel.Fake).Put(ref, kernel.Capability{Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096}})
	AssertEq(nil, table.Lock(t.k, ref, t.d))

	err := table.Unlock(t.k, ref, t.d)
	ExpectEq(nil, err)
}

// HasKey_Not is a small local matcher satisfying oglematchers.Matcher,
// reporting whether a waiters map has no entry for the given key —
// there is no ready-made map-key matcher in oglematchers itself.
func HasKey_Not(key interface{}) Matcher {
	return &hasKeyNotMatcher{key: key}
}

type hasKeyNotMatcher struct{ key interface{} }

func (m *hasKeyNotMatcher) Matches(c interface{}) error {
	waiters, ok := c.(map[kernel.DomainCapRef][]chan struct{})
	if !ok {
		return fmt.Errorf("HasKey_Not: candidate is not a waiters map")
	}
	if _, present := waiters[m.key.(kernel.DomainCapRef)]; present {
		return fmt.Errorf("map unexpectedly contains key %v", m.key)
	}
	return nil
}

func (m *hasKeyNotMatcher) Description() string {
	return "map has no entry for the given key"
}
