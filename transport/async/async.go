// Package async layers request/response multiplexing over a single
// transport.Channel (SPEC_FULL.md §3.3, §4.3): many concurrent
// in-flight requests share one cross-core channel, demultiplexed by
// an opaque identifier rather than a raw pointer (spec.md §9 design
// note — "never leak raw pointers across the core boundary").
package async

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/transport"
)

// MessageKind distinguishes a REQUEST from a RESPONSE on the wire
// (spec.md §3.3).
type MessageKind uint8

const (
	KindRequest MessageKind = iota + 1
	KindResponse
)

// Callback fires when a request's matching response arrives.
type Callback func(payload []byte, caps []kernel.CapRef, err error)

// RequestHandler processes an inbound REQUEST and returns the
// response payload/caps to send back.
type RequestHandler func(payload []byte, caps []kernel.CapRef) (respPayload []byte, respCaps []kernel.CapRef)

// Finalizer is invoked after a response has been transmitted so its
// owned buffers/caps can be freed, decoupling whoever allocated the
// response from whoever owns it afterwards (spec.md §4.3).
type Finalizer func()

var ErrClosed = errors.New("async: multiplexer closed")

type pendingRequest struct {
	id       uint64
	payload  []byte
	caps     []kernel.CapRef
	callback Callback
}

type pendingResponse struct {
	id        uint64
	payload   []byte
	caps      []kernel.CapRef
	finalizer Finalizer
}

// Multiplexer implements the contract of spec.md §4.3:
// async_request/async_respond plus the single "currently sending"
// alternation between the outbound request and response FIFOs.
type Multiplexer struct {
	ch     transport.Channel
	logger *log.Logger

	onRequest RequestHandler

	mu        sync.Mutex
	requests  []pendingRequest
	responses []pendingResponse
	inFlight  map[uint64]Callback
	sendReqs  bool // alternation cursor: true => a request FIFO turn is next
	idSeed    uint64
	closed    bool
}

// New creates a Multiplexer driving ch, dispatching inbound REQUESTs
// to onRequest. Call Run in its own goroutine to start draining ch.
func New(ch transport.Channel, onRequest RequestHandler, logger *log.Logger) *Multiplexer {
	seed := uuid.New()
	return &Multiplexer{
		ch:        ch,
		logger:    logger,
		onRequest: onRequest,
		inFlight:  make(map[uint64]Callback),
		idSeed:    binary.LittleEndian.Uint64(seed[:8]),
	}
}

// Request enqueues an outbound request and returns immediately; cb
// fires exactly once, when the matching response arrives (spec.md
// Property P6).
func (m *Multiplexer) Request(payload []byte, caps []kernel.CapRef, cb Callback) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cb(nil, nil, ErrClosed)
		return
	}
	m.idSeed++
	id := m.idSeed
	m.requests = append(m.requests, pendingRequest{id: id, payload: payload, caps: caps, callback: cb})
	m.inFlight[id] = cb
	m.mu.Unlock()

	m.pump()
}

// Respond enqueues a response to a previously received request,
// identified by id (the identifier the peer sent with its REQUEST).
// finalizer, if non-nil, runs after transmission.
func (m *Multiplexer) Respond(id uint64, payload []byte, caps []kernel.CapRef, finalizer Finalizer) {
	m.mu.Lock()
	m.responses = append(m.responses, pendingResponse{id: id, payload: payload, caps: caps, finalizer: finalizer})
	m.mu.Unlock()
	m.pump()
}

// message is the on-wire envelope of spec.md §3.3:
// (identifier, kind, payload_size, cap_count, payload, serialised_caps).
type message struct {
	ID      uint64
	Kind    MessageKind
	Payload []byte
	Caps    []kernel.CapRef
}

// capRecordSize is the on-wire size of one serialised CapRef slot:
// CNode and Slot, each a uint32 (spec.md §3.3's "serialised_caps").
const capRecordSize = 8

func encodeMessage(msg message) []byte {
	header := make([]byte, 9)
	binary.LittleEndian.PutUint64(header[0:8], msg.ID)
	header[8] = byte(msg.Kind)

	// Any capability attached to a Request/Respond call has already
	// been run through the cap-transfer codec (package captransfer) by
	// the caller, which leaves behind the local CapRef the transfer
	// materialised; that CapRef is what cap_count/serialised_caps
	// carries across this channel, never the capability's identity
	// directly. It is serialised here rather than left on
	// transport.Frame because transport/shmem refuses any frame that
	// still has Frame.Caps set (ErrCapsNeedCodec).
	caps := make([]byte, 4+capRecordSize*len(msg.Caps))
	binary.LittleEndian.PutUint32(caps[0:4], uint32(len(msg.Caps)))
	for i, c := range msg.Caps {
		off := 4 + i*capRecordSize
		binary.LittleEndian.PutUint32(caps[off:off+4], c.CNode)
		binary.LittleEndian.PutUint32(caps[off+4:off+8], c.Slot)
	}

	out := make([]byte, 0, len(header)+len(caps)+len(msg.Payload))
	out = append(out, header...)
	out = append(out, caps...)
	out = append(out, msg.Payload...)
	return out
}

func decodeMessage(b []byte) (message, error) {
	if len(b) < 9+4 {
		return message{}, fmt.Errorf("async: short message (%d bytes)", len(b))
	}
	id := binary.LittleEndian.Uint64(b[0:8])
	kind := MessageKind(b[8])

	n := binary.LittleEndian.Uint32(b[9:13])
	capsEnd := 13 + int(n)*capRecordSize
	if len(b) < capsEnd {
		return message{}, fmt.Errorf("async: short message (%d bytes, want %d for %d caps)", len(b), capsEnd, n)
	}

	var caps []kernel.CapRef
	if n > 0 {
		caps = make([]kernel.CapRef, n)
		for i := range caps {
			off := 13 + i*capRecordSize
			caps[i] = kernel.CapRef{
				CNode: binary.LittleEndian.Uint32(b[off : off+4]),
				Slot:  binary.LittleEndian.Uint32(b[off+4 : off+8]),
			}
		}
	}

	return message{
		ID:      id,
		Kind:    kind,
		Payload: b[capsEnd:],
		Caps:    caps,
	}, nil
}

// pump sends at most one message, alternating between the request and
// response FIFOs when both are non-empty, preventing either from
// starving the other (spec.md §3.3, §4.3).
func (m *Multiplexer) pump() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var msg message
	var fin Finalizer
	ok := false

	haveReq := len(m.requests) > 0
	haveResp := len(m.responses) > 0

	sendReq := haveReq && (m.sendReqs || !haveResp)
	switch {
	case sendReq:
		req := m.requests[0]
		m.requests = m.requests[1:]
		msg = message{ID: req.id, Kind: KindRequest, Payload: req.payload, Caps: req.caps}
		ok = true
		m.sendReqs = false
	case haveResp:
		resp := m.responses[0]
		m.responses = m.responses[1:]
		msg = message{ID: resp.id, Kind: KindResponse, Payload: resp.payload, Caps: resp.caps}
		fin = resp.finalizer
		ok = true
		m.sendReqs = true
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := m.ch.Send(transport.Frame{Payload: encodeMessage(msg)}); err != nil && m.logger != nil {
		m.logger.Printf("async: send failed: %v", err)
	}
	if fin != nil {
		fin()
	}

	// Keep draining: another message may have queued behind this one.
	m.mu.Lock()
	more := len(m.requests) > 0 || len(m.responses) > 0
	m.mu.Unlock()
	if more {
		m.pump()
	}
}

// Run drains ch forever, demultiplexing inbound messages: RESPONSE
// kinds are matched against in-flight requests by identifier (O(1),
// no lookup table walk — spec.md §3.3); REQUEST kinds are handed to
// onRequest and the result enqueued as a response. Run returns when
// ch.Recv fails.
func (m *Multiplexer) Run() error {
	for {
		frame, err := m.ch.Recv()
		if err != nil {
			m.mu.Lock()
			m.closed = true
			pending := m.inFlight
			m.inFlight = nil
			m.mu.Unlock()
			for _, cb := range pending {
				cb(nil, nil, ErrClosed)
			}
			return err
		}

		msg, err := decodeMessage(frame.Payload)
		if err != nil {
			if m.logger != nil {
				m.logger.Printf("async: %v", err)
			}
			continue
		}

		switch msg.Kind {
		case KindResponse:
			m.mu.Lock()
			cb, ok := m.inFlight[msg.ID]
			if ok {
				delete(m.inFlight, msg.ID)
			}
			m.mu.Unlock()
			if ok {
				cb(msg.Payload, msg.Caps, nil)
			} else if m.logger != nil {
				m.logger.Printf("async: response for unknown request id %d", msg.ID)
			}

		case KindRequest:
			if m.onRequest == nil {
				continue
			}
			respPayload, respCaps := m.onRequest(msg.Payload, msg.Caps)
			m.Respond(msg.ID, respPayload, respCaps, nil)

		default:
			if m.logger != nil {
				m.logger.Printf("async: unknown message kind %d", msg.Kind)
			}
		}
	}
}
