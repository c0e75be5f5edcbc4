package bootstrap

import (
	"testing"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/ramalloc"
)

func TestRelocateTreatsNonELFAsNoOp(t *testing.T) {
	// A non-ELF payload has nothing to relocate; relocate must treat it
	// as a no-op rather than erroring (fixtures in this suite are not
	// full ELF images).
	if err := relocate([]byte("not an elf image"), 0x1000); err != nil {
		t.Fatalf("relocate(garbage) = %v, want nil (no relocations found)", err)
	}
}

func TestBringupRunAggregatesFailures(t *testing.T) {
	k := kernel.NewFake()
	b := &Bringup{
		Self:      0,
		Dst:       1,
		Kernel:    k,
		RAM:       ramalloc.New(k, 1, 1<<20),
		Multiboot: Multiboot{}, // deliberately empty: every module lookup fails
		PhysAlloc: func(size uint64) (uint64, error) { return 0x2000, nil },
	}

	_, _, err := b.Run("")
	if err == nil {
		t.Fatal("Run() with no multiboot modules succeeded, want aggregated error")
	}
}
