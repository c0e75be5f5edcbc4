// Package ramalloc is the thin ram_alloc interface SPEC_FULL.md §1
// keeps in scope even though the physical memory allocator (mm) below
// it is explicitly out of scope: a pool of physical RAM a core hands
// out as Frame/RAM capabilities and reclaims on delete.
package ramalloc

import (
	"fmt"
	"sync"

	"github.com/parallelcore/mkinit/kernel"
)

// Pool is a simple bump RAM allocator backed by a kernel.Ops for
// materialising the capabilities it hands out. It keeps no freelist:
// Free returns bytes to the available count only.
type Pool struct {
	mu        sync.Mutex
	k         kernel.Ops
	cnode     uint32
	nextSlot  uint32
	available uint64
	capacity  uint64
}

// New creates a Pool with capacity bytes of backing RAM, allocating
// capability slots out of cnode.
func New(k kernel.Ops, cnode uint32, capacity uint64) *Pool {
	return &Pool{k: k, cnode: cnode, available: capacity, capacity: capacity}
}

// Available reports the number of bytes not yet handed out.
func (p *Pool) Available() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// AlignedAlloc allocates size bytes aligned to alignment, materialising
// a RAM capability into a fresh slot (spec.md §4.4 step 1 calls this
// ram_alloc_aligned for the KCB; MEMSERVER requests pass their own
// alignment through, and Alloc uses an alignment of 1 byte).
func (p *Pool) AlignedAlloc(size, alignment uint64) (kernel.CapRef, error) {
	if alignment == 0 {
		alignment = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	aligned := (p.capacity - p.available + alignment - 1) / alignment * alignment
	used := p.capacity - p.available
	padding := aligned - used
	if size+padding > p.available {
		return kernel.CapRef{}, fmt.Errorf("ramalloc: out of memory: need %d, have %d", size, p.available)
	}

	p.available -= size + padding
	p.nextSlot++
	slot := kernel.CapRef{CNode: p.cnode, Slot: p.nextSlot}

	if err := p.k.Create(slot, kernel.Identity{Type: kernel.TypeRAM, Bytes: size}, 0); err != nil {
		p.available += size + padding
		return kernel.CapRef{}, err
	}
	return slot, nil
}

// Alloc is AlignedAlloc with the default (1-byte) alignment.
func (p *Pool) Alloc(size uint64) (kernel.CapRef, error) {
	return p.AlignedAlloc(size, 1)
}

// Free returns a reclaimed RAM capability's bytes to the pool. The
// capability itself has already been deleted by the caller (spec.md
// §4.5.2 step 1: "if that produced a RAM cap, return it to the local
// memory allocator").
func (p *Pool) Free(ref kernel.CapRef, bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available += bytes
	if p.available > p.capacity {
		p.available = p.capacity
	}
}
