// Package transport defines the uniform channel contract of
// SPEC_FULL.md §4.2 that both the in-core endpoint channel
// (transport/endpoint) and the cross-core shared-memory channel
// (transport/shmem) implement, so the dispatch and async-multiplexer
// layers above need not care which kind of wire they are talking to —
// the same structural role bazil.org/fuse's Conn plays for the
// teacher's Connection.
package transport

import "github.com/parallelcore/mkinit/kernel"

// Frame is one message: a byte payload plus up to a handful of
// capability slots riding alongside it (spec.md §3.2).
type Frame struct {
	Payload []byte
	Caps    []kernel.CapRef
}

// Handler is invoked when an asynchronous send or receive completes.
// userData is caller-supplied opaque state, threaded through untouched
// (spec.md §4.2).
type Handler func(ch Channel, userData interface{})

// Channel is the common interface every wire implementation provides.
// Exactly four operations, as specified: two blocking-capable
// synchronous primitives and two callback-driven asynchronous ones.
type Channel interface {
	// Send transmits frame, blocking the caller's goroutine until the
	// channel has accepted it for transmission.
	Send(frame Frame) error

	// Recv blocks until a frame is available and returns it.
	Recv() (Frame, error)

	// SendWithHandler arranges for frame to be transmitted and for h
	// to be invoked on completion; it must not block the caller.
	SendWithHandler(frame Frame, h Handler, userData interface{}) error

	// RecvWithHandler arranges for h to be invoked with userData; it
	// must not block the caller. The endpoint and shmem channels
	// invoke h at once without waiting for a frame, and h calls Recv.
	RecvWithHandler(h Handler, userData interface{}) error
}

// BlockingChannel is implemented by channels that additionally expose
// the spin-until-ready wrappers of spec.md §4.2, used only during
// boot where no other concurrency exists.
type BlockingChannel interface {
	Channel

	SendBlocking(frame Frame) error
	RecvBlocking() (Frame, error)
}
