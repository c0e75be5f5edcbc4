// Package procmgr implements the per-core process table of spec.md
// §3.4, §4.6: spawn, list, pause/resume, wait, exit and kill, plus the
// memory-accounting and pid-allocation bookkeeping that goes with
// them. Cross-core forwarding (the "core == -1" convention) is left
// to package dispatch, which is the only thing that can reach the
// peer's table.
package procmgr

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/parallelcore/mkinit/kernel"
)

// State is a position in the process lifecycle state machine of
// spec.md §3.4.
type State int

const (
	Spawning State = iota
	Ready
	Running
	Suspended
	Terminated
	Killed
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "SPAWNING"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	case Terminated:
		return "TERMINATED"
	case Killed:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the two states a process never
// leaves (spec.md §3.4: "entries are kept, never freed").
func (s State) Terminal() bool { return s == Terminated || s == Killed }

// DefaultMemoryLimit is the per-process soft memory cap of
// SPEC_FULL.md §C.1, supplemented from original_source/ (the spec
// text is silent on any default, but the C runtime enforces one).
const DefaultMemoryLimit = 1 << 30 // 1 GiB

// Waiter fires exactly once, when the process it is attached to
// reaches a terminal state (spec.md Property P4).
type Waiter func(exitCode int32)

// Record is one row of the process table.
type Record struct {
	Pid         int32
	Core        kernel.CoreID
	Name        string
	Cmdline     string
	Argv        []string
	State       State
	ExitCode    int32
	MemoryUsed  uint64
	MemoryLimit uint64
	Channel     interface{} // the process's async channel; opaque to procmgr itself

	waiters []Waiter
}

// Table is the per-core process table: a map keyed by pid under a
// mutex, standing in for the spec's "single linked list under a
// mutex" (spec.md §4.6). Queries that return pids sort them.
type Table struct {
	mu sync.Mutex

	self    kernel.CoreID
	cores   int32
	pidNext int32

	records map[int32]*Record // GUARDED_BY(mu)

	// live counts non-terminal processes, grounded on the
	// nestybox-sysbox-libs pidmonitor pattern of an atomic counter kept
	// in lockstep with table mutation rather than recomputed by
	// scanning (SPEC_FULL.md §B).
	live int64
}

// New creates an empty table for core self out of cores total cores.
// The first pid it allocates is self, so pid mod cores == core id
// from the very first spawn (spec.md Property P5).
func New(self kernel.CoreID, cores int32) *Table {
	return &Table{
		self:    self,
		cores:   cores,
		pidNext: int32(self),
		records: make(map[int32]*Record),
	}
}

// LiveCount returns the number of non-terminal processes on this
// core.
func (t *Table) LiveCount() int64 {
	return atomic.LoadInt64(&t.live)
}

// Spawn allocates a pid, appends a new SPAWNING record and returns
// it. The caller transitions it through READY/RUNNING once the
// dispatcher has actually started the binary (spec.md §4.6's spawn
// only covers table bookkeeping here; ELF loading is a collaborator
// outside procmgr's scope).
func (t *Table) Spawn(name, cmdline string, argv []string, ch interface{}) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	pid := t.pidNext
	t.pidNext += t.cores

	r := &Record{
		Pid:         pid,
		Core:        t.self,
		Name:        name,
		Cmdline:     cmdline,
		Argv:        argv,
		State:       Spawning,
		MemoryLimit: DefaultMemoryLimit,
		Channel:     ch,
	}
	t.records[pid] = r
	atomic.AddInt64(&t.live, 1)
	return r
}

// SpawnWithCmdline tokenises cmd the way a shell word-splits it and
// spawns the result (spec.md §4.6 spawn_with_cmdline).
func (t *Table) SpawnWithCmdline(cmd string, ch interface{}) *Record {
	fields := strings.Fields(cmd)
	var name string
	if len(fields) > 0 {
		name = fields[0]
	}
	return t.Spawn(name, cmd, fields, ch)
}

// SetRunning transitions a SPAWNING/READY process to RUNNING once the
// dispatcher has actually started it executing.
func (t *Table) SetRunning(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok {
		return fmt.Errorf("procmgr: no such pid %d", pid)
	}
	if r.State.Terminal() {
		return fmt.Errorf("procmgr: pid %d already terminal", pid)
	}
	r.State = Running
	return nil
}

// Get returns a copy of the record for pid.
func (t *Table) Get(pid int32) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ListPids returns every non-terminal pid in the table, ascending.
// TERMINATED/KILLED records are kept for Get/GetStatus but never
// reappear here (spec.md S5: ALL_PIDS lists none of what KILLALL just
// killed).
func (t *Table) ListPids() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	pids := make([]int32, 0, t.live)
	for pid, r := range t.records {
		if r.State.Terminal() {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// GetStatus returns pid's current state and exit code.
func (t *Table) GetStatus(pid int32) (State, int32, error) {
	r, ok := t.Get(pid)
	if !ok {
		return 0, 0, fmt.Errorf("procmgr: no such pid %d", pid)
	}
	return r.State, r.ExitCode, nil
}

// GetName returns pid's binary name.
func (t *Table) GetName(pid int32) (string, error) {
	r, ok := t.Get(pid)
	if !ok {
		return "", fmt.Errorf("procmgr: no such pid %d", pid)
	}
	return r.Name, nil
}

// GetPidByName resolves name to a pid: an absolute path (leading '/')
// must match a record's Name exactly, otherwise only the basename is
// compared; ties resolve to the smallest pid (spec.md §4.6).
func (t *Table) GetPidByName(name string) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	absolute := strings.HasPrefix(name, "/")
	want := name
	if !absolute {
		want = base(name)
	}

	best := int32(-1)
	for pid, r := range t.records {
		candidate := r.Name
		if !absolute {
			candidate = base(candidate)
		}
		if candidate != want {
			continue
		}
		if best == -1 || pid < best {
			best = pid
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("procmgr: no process named %q", name)
	}
	return best, nil
}

func base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Suspend moves a RUNNING process to SUSPENDED.
func (t *Table) Suspend(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok {
		return fmt.Errorf("procmgr: no such pid %d", pid)
	}
	if r.State.Terminal() {
		return fmt.Errorf("procmgr: pid %d already terminal", pid)
	}
	r.State = Suspended
	return nil
}

// Resume moves a SUSPENDED process back to RUNNING.
func (t *Table) Resume(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok {
		return fmt.Errorf("procmgr: no such pid %d", pid)
	}
	if r.State.Terminal() {
		return fmt.Errorf("procmgr: pid %d already terminal", pid)
	}
	r.State = Running
	return nil
}

// RegisterWait arranges for w to fire with the process's exit code.
// If pid is already terminal, w fires before RegisterWait returns
// (spec.md §4.6, Property P4: "exactly once" even for a wait
// registered after the exit already happened).
func (t *Table) RegisterWait(pid int32, w Waiter) error {
	t.mu.Lock()
	r, ok := t.records[pid]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("procmgr: no such pid %d", pid)
	}
	if r.State.Terminal() {
		code := r.ExitCode
		t.mu.Unlock()
		w(code)
		return nil
	}
	r.waiters = append(r.waiters, w)
	t.mu.Unlock()
	return nil
}

// Exit is the RPC-visible equivalent of Terminated, called by the
// exiting process itself (spec.md §4.6).
func (t *Table) Exit(pid int32, status int32) error {
	return t.terminate(pid, status, Terminated)
}

// Terminated runs the common teardown for a process that exited on
// its own.
func (t *Table) Terminated(pid int32, status int32) error {
	return t.terminate(pid, status, Terminated)
}

// Kill forces pid into the KILLED state with the conventional -1 exit
// code (SPEC_FULL.md §C, grounded on the moby/sys/signal kill-reason
// mapping: a forced kill is distinguishable from a voluntary exit by
// its negative code).
func (t *Table) Kill(pid int32) error {
	return t.terminate(pid, -1, Killed)
}

// KillAll kills every process named name, returning how many it
// killed.
func (t *Table) KillAll(name string) (int, error) {
	absolute := strings.HasPrefix(name, "/")
	killed := 0
	for _, pid := range t.ListPids() {
		r, ok := t.Get(pid)
		if !ok || !(r.Name == name || (!absolute && base(r.Name) == base(name))) {
			continue
		}
		if t.Kill(pid) == nil {
			killed++
		}
	}
	return killed, nil // nothing named this; spec treats as zero killed, not an error
}

// terminate is the common teardown of spec.md §4.6: notify waiters,
// mark the terminal state, decrement the live counter. The record is
// never removed from the table.
func (t *Table) terminate(pid int32, status int32, to State) error {
	t.mu.Lock()
	r, ok := t.records[pid]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("procmgr: no such pid %d", pid)
	}
	if r.State.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("procmgr: pid %d already terminal", pid)
	}

	r.State = to
	r.ExitCode = status
	waiters := r.waiters
	r.waiters = nil
	t.mu.Unlock()

	atomic.AddInt64(&t.live, -1)

	for _, w := range waiters {
		w(status)
	}
	return nil
}

// AccountMemory adjusts pid's tracked memory usage by delta bytes,
// refusing the allocation if it would exceed the process's limit
// (SPEC_FULL.md §C.1).
func (t *Table) AccountMemory(pid int32, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok {
		return fmt.Errorf("procmgr: no such pid %d", pid)
	}
	if delta > 0 && r.MemoryUsed+uint64(delta) > r.MemoryLimit {
		return fmt.Errorf("procmgr: pid %d would exceed memory limit (%d + %d > %d)", pid, r.MemoryUsed, delta, r.MemoryLimit)
	}
	if delta < 0 && uint64(-delta) > r.MemoryUsed {
		r.MemoryUsed = 0
		return nil
	}
	r.MemoryUsed = uint64(int64(r.MemoryUsed) + delta)
	return nil
}
