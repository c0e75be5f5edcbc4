// Package shmem implements the cross-core shared-memory channel of
// SPEC_FULL.md §3.2: a ring of fixed-size slots in a shared frame,
// one producer and one consumer per direction, notification by
// spinning on a per-slot sequence counter. Capabilities cannot cross
// this channel directly: Send refuses any frame with Caps set
// (ErrCapsNeedCodec), and callers serialise capabilities into the
// payload themselves (spec.md §4.2).
package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/parallelcore/mkinit/transport"
)

// SlotPayloadSize bounds a single frame's wire payload. Larger
// transfers (bootinfo, module cap tables) use the two-step
// size-header-then-payload protocol of spec.md §4.2, built on top of
// a Channel rather than inside it.
const SlotPayloadSize = 4096

const slotStride = 4 + SlotPayloadSize // payload length prefix + payload

// ErrFrameTooLarge is returned when a frame's payload does not fit a
// single ring slot.
var ErrFrameTooLarge = errors.New("shmem: frame exceeds slot payload size")

// ErrCapsNeedCodec is returned if a caller tries to push raw cap-refs
// across the shared-memory channel without having run them through
// the cap-transfer codec first (spec.md §3.2, §4.2).
var ErrCapsNeedCodec = errors.New("shmem: capabilities must be cap-transfer encoded before crossing this channel")

// ring is one direction's worth of fixed-size slots. The slot bytes
// live in an anonymous shared mapping, standing in for the frame
// capability the real init domains would map on both cores (spec.md
// §4.4 step 4 allocates exactly such a frame for the URPC channel);
// the per-slot sequence counters are ordinary memory; both cores are
// goroutines of one process here; a kernel-backed MAP_SHARED mapping
// is what the primitive would be across real address spaces.
type ring struct {
	mem      []byte
	seq      []uint64
	capacity uint64

	producerSeq uint64
	consumerSeq uint64
}

func newRing(capacity int) (*ring, error) {
	size := capacity * slotStride
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap ring frame: %w", err)
	}
	return &ring{mem: mem, seq: make([]uint64, capacity), capacity: uint64(capacity)}, nil
}

func (r *ring) close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func (r *ring) slotOffset(idx uint64) int {
	return int(idx%r.capacity) * slotStride
}

func (r *ring) push(payload []byte) error {
	if len(payload) > SlotPayloadSize {
		return ErrFrameTooLarge
	}

	producer := atomic.LoadUint64(&r.producerSeq)
	for producer-atomic.LoadUint64(&r.consumerSeq) >= r.capacity {
		runtime.Gosched() // ring full: spin for the consumer to catch up
	}

	idx := producer % r.capacity
	off := r.slotOffset(producer)
	binary.LittleEndian.PutUint32(r.mem[off:off+4], uint32(len(payload)))
	copy(r.mem[off+4:], payload)

	// Publish: the sequence counter is bumped last so a spinning
	// reader never observes a partially-written slot.
	atomic.StoreUint64(&r.seq[idx], producer+1)
	atomic.AddUint64(&r.producerSeq, 1)
	return nil
}

func (r *ring) pop() []byte {
	consumer := atomic.LoadUint64(&r.consumerSeq)
	idx := consumer % r.capacity

	for atomic.LoadUint64(&r.seq[idx]) != consumer+1 {
		runtime.Gosched() // nothing published yet: spin on the sequence counter
	}

	off := r.slotOffset(consumer)
	size := binary.LittleEndian.Uint32(r.mem[off : off+4])
	payload := make([]byte, size)
	copy(payload, r.mem[off+4:off+4+int(size)])

	atomic.AddUint64(&r.consumerSeq, 1)
	return payload
}

// Channel is a bidirectional URPC endpoint: a TX ring this core
// publishes to and an RX ring the peer publishes to, both backing the
// same shared frame identity. Construct a pair with NewPair.
type Channel struct {
	tx *ring
	rx *ring
}

// NewPair returns the two ends of a freshly allocated shared-memory
// channel — one per core — each direction an independent SPSC ring,
// matching "one producer / one consumer per direction" (spec.md §3.2).
func NewPair(capacity int) (a, b *Channel, err error) {
	r0, err := newRing(capacity)
	if err != nil {
		return nil, nil, err
	}
	r1, err := newRing(capacity)
	if err != nil {
		_ = r0.close()
		return nil, nil, err
	}

	a = &Channel{tx: r0, rx: r1}
	b = &Channel{tx: r1, rx: r0}
	return a, b, nil
}

// Close releases the underlying mappings. Must be called on only one
// end of the pair, since both ends share the same two rings.
func (c *Channel) Close() error {
	if err := c.tx.close(); err != nil {
		return err
	}
	return c.rx.close()
}

func (c *Channel) Send(frame transport.Frame) error {
	if len(frame.Caps) != 0 {
		return ErrCapsNeedCodec
	}
	return c.tx.push(frame.Payload)
}

func (c *Channel) Recv() (transport.Frame, error) {
	return transport.Frame{Payload: c.rx.pop()}, nil
}

func (c *Channel) SendWithHandler(frame transport.Frame, h transport.Handler, userData interface{}) error {
	go func() {
		err := c.Send(frame)
		if err == nil {
			h(c, userData)
		}
	}()
	return nil
}

func (c *Channel) RecvWithHandler(h transport.Handler, userData interface{}) error {
	go func() {
		h(c, userData)
	}()
	return nil
}

func (c *Channel) SendBlocking(frame transport.Frame) error { return c.Send(frame) }
func (c *Channel) RecvBlocking() (transport.Frame, error)   { return c.Recv() }

var (
	_ transport.Channel         = (*Channel)(nil)
	_ transport.BlockingChannel = (*Channel)(nil)
)
