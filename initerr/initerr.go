// Package initerr classifies the error kinds of SPEC_FULL.md §7 the
// way the teacher's errors.go classifies kernel errno values: a small
// set of sentinels plus a predicate (shouldLogError in the teacher;
// Transient here) that tells callers which errors are routine.
package initerr

import "errors"

var (
	// ErrInvalidArgs: missing or malformed parameters; always surfaced.
	ErrInvalidArgs = errors.New("initd: invalid arguments")
	// ErrNotFound: pid unknown, domain not found, module not found.
	ErrNotFound = errors.New("initd: not found")
	// ErrOutOfMemory: reclaim-or-fail; memserver enforces a per-process cap.
	ErrOutOfMemory = errors.New("initd: out of memory")
	// ErrCapLocked is transient and must never reach a client; the
	// distcap engine suspends on caplock-wait and retries instead.
	ErrCapLocked = errors.New("initd: capability locked")
	// ErrRetryThroughMonitor signals a kernel-requested distributed round.
	ErrRetryThroughMonitor = errors.New("initd: retry through monitor")
	// ErrPeerDistcapFailure wraps a sync reply's error, forwarded verbatim.
	ErrPeerDistcapFailure = errors.New("initd: peer distcap failure")
	// ErrNoRemoteCopy / ErrRemoteCopyExists are internal-only invariants;
	// observing one is corruption, not a client-facing condition.
	ErrNoRemoteCopy     = errors.New("initd: invariant violated: no remote copy")
	ErrRemoteCopyExists = errors.New("initd: invariant violated: remote copy exists")
	// ErrTimeout is raised only by the network subsystem.
	ErrTimeout = errors.New("initd: timeout")
	// ErrBufferOverflow: response would exceed the caller's buffer.
	ErrBufferOverflow = errors.New("initd: response truncated")
)

// Transient reports whether err is routine enough that a handler
// should retry rather than surface it to its caller. The cap engine
// never returns ErrCapLocked to a client (spec.md §7); that is enforced
// by distcap.LockTable.Lock retrying kernel.ErrCapLocked, not by this
// function, which nothing in this module calls.
func Transient(err error) bool {
	return errors.Is(err, ErrCapLocked) || errors.Is(err, ErrRetryThroughMonitor)
}

// Fatal reports whether err indicates corruption rather than a
// surfaceable client error (spec.md §7: "Sync-protocol invariant
// violations are fatal; client-visible errors never are").
func Fatal(err error) bool {
	return errors.Is(err, ErrNoRemoteCopy) || errors.Is(err, ErrRemoteCopyExists)
}
