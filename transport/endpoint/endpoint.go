// Package endpoint implements the in-core endpoint channel of
// SPEC_FULL.md §3.2: one endpoint per direction and a bounded receive
// buffer of configurable depth; depth 1 gives at most a single
// outstanding message — the same single-message-in-flight discipline
// the teacher's Connection enforces between ReadOp and Reply.
package endpoint

import (
	"errors"
	"io"
	"log"

	"github.com/parallelcore/mkinit/transport"
)

// ErrClosed is returned by Send after Close; Recv returns io.EOF.
var ErrClosed = errors.New("endpoint: channel closed")

// Channel is an in-core, synchronous, single-outstanding-message
// channel. Capabilities ride with the frame directly (kernel-supported
// LMP transfer in the original system; here, passed by value since
// both ends share an address space).
type Channel struct {
	logger *log.Logger

	frames chan transport.Frame
	done   chan struct{}
}

// New creates a Channel with the given receive-buffer depth (the
// "bounded receive buffer" of spec.md §3.2; 1 models the strictest
// single-outstanding-message case).
func New(depth int, logger *log.Logger) *Channel {
	if depth < 1 {
		depth = 1
	}
	return &Channel{
		logger: logger,
		frames: make(chan transport.Frame, depth),
		done:   make(chan struct{}),
	}
}

func (c *Channel) Send(frame transport.Frame) error {
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Channel) Recv() (transport.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return transport.Frame{}, io.EOF
	}
}

// SendWithHandler sends frame on a fresh goroutine and invokes h once
// accepted, so the caller is never blocked — mirroring the teacher's
// habit of never letting dispatch block the event loop (spec.md §5).
func (c *Channel) SendWithHandler(frame transport.Frame, h transport.Handler, userData interface{}) error {
	go func() {
		err := c.Send(frame)
		if err != nil && c.logger != nil {
			c.logger.Printf("endpoint: send failed: %v", err)
		}
		h(c, userData)
	}()
	return nil
}

// RecvWithHandler invokes h with userData on a fresh goroutine right
// away; it does not wait for or consume a frame, so h calls Recv
// itself to obtain one.
func (c *Channel) RecvWithHandler(h transport.Handler, userData interface{}) error {
	go func() {
		h(c, userData)
	}()
	return nil
}

// SendBlocking and RecvBlocking are plain synonyms for Send/Recv here:
// the in-core channel already blocks the calling goroutine rather
// than a real waitset, so there is no separate spin-wrapper needed
// (spec.md §4.2 notes these exist "for use only during boot").
func (c *Channel) SendBlocking(frame transport.Frame) error { return c.Send(frame) }
func (c *Channel) RecvBlocking() (transport.Frame, error)   { return c.Recv() }

// Close unblocks any pending Send/Recv with ErrClosed/io.EOF.
func (c *Channel) Close() {
	close(c.done)
}

var (
	_ transport.Channel         = (*Channel)(nil)
	_ transport.BlockingChannel = (*Channel)(nil)
)
