// Package memserver implements the MEMSERVER request adapter of
// spec.md §6.1: a thin translation from a (size, alignment) request
// into a ramalloc.Pool allocation, enforcing the per-process soft
// memory cap of SPEC_FULL.md §C.1 by way of procmgr.Table's
// AccountMemory bookkeeping.
package memserver

import (
	"fmt"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/procmgr"
	"github.com/parallelcore/mkinit/ramalloc"
)

// Server answers MEMSERVER requests on behalf of one core's RAM pool.
type Server struct {
	pool  *ramalloc.Pool
	procs *procmgr.Table
}

// New creates a Server backed by pool, accounting allocations against
// procs (the calling process's spawninfo, per SPEC_FULL.md §C.1: "the
// cap is per-process... tracked in procmgr by pid, not globally").
func New(pool *ramalloc.Pool, procs *procmgr.Table) *Server {
	return &Server{pool: pool, procs: procs}
}

// Alloc services one MEMSERVER request on behalf of pid: it reserves
// size bytes against pid's soft limit before asking the pool for
// backing RAM, and releases the reservation again if the pool itself
// is out of physical memory (spec.md §7 OutOfMemory: "reclaim-or-fail").
func (s *Server) Alloc(pid int32, size, alignment uint64) (kernel.CapRef, error) {
	if size == 0 {
		return kernel.CapRef{}, fmt.Errorf("memserver: zero-size allocation requested")
	}

	if err := s.procs.AccountMemory(pid, int64(size)); err != nil {
		return kernel.CapRef{}, err
	}

	ref, err := s.pool.AlignedAlloc(size, alignment)
	if err != nil {
		s.procs.AccountMemory(pid, -int64(size))
		return kernel.CapRef{}, err
	}
	return ref, nil
}

// Reclaim returns size bytes of a RAM capability pid obtained via
// Alloc to the pool and relaxes pid's soft-cap reservation. Nothing in
// this module calls it: the DISTCAP/DELETE path frees reclaimed RAM to
// the pool directly and leaves pid's accounting unchanged.
func (s *Server) Reclaim(pid int32, ref kernel.CapRef, size uint64) {
	s.pool.Free(ref, size)
	s.procs.AccountMemory(pid, -int64(size))
}
