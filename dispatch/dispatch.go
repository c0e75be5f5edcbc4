// Package dispatch is the per-core RPC dispatch loop of spec.md §4.7:
// it decodes an inbound request's kind, routes it to a handler, and
// either transmits the handler's reply immediately or lets the
// handler suspend and resume later (the event-loop shape the teacher
// uses in Connection.ReadOp/Connection.Reply, generalised from a
// single address space to two cooperating cores).
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jacobsa/reqtrace"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/wire"
)

// Context is the uniform handler context of spec.md §4.7: every
// handler, regardless of request kind, receives and returns through
// this shape.
type Context struct {
	Request *wire.Request

	// Response is filled in by the handler before returning true, or
	// later (out of band) before calling the stashed Resume function
	// after returning false.
	Response wire.Response

	// Core names which core this request logically targets; Any set
	// means "local, forward if not found" (spec.md §4.6's core == -1).
	Core kernel.CoreID
	Any  bool

	// Resume, if set by a handler that returned false, is invoked
	// (by whatever completes the suspended operation) once Response
	// has been filled in, requesting that dispatch transmit it now.
	Resume func()
}

// Handler processes one request kind. Returning true means Response
// is ready to transmit now; returning false means the handler has
// stashed ctx.Resume to be invoked later (spec.md §4.7, §5).
type Handler func(ctx *Context) bool

// Forwardable reports whether a request naming a specific core should
// instead be routed to the peer (spec.md §4.6: "core == -1 means try
// local, forward if not found"; a handler may also discover mid-flight
// that the target lives on the other core).
type Forwardable func(ctx *Context) (peer kernel.CoreID, forward bool)

// Hooks is a no-op telemetry extension point, grounded on the
// original C runtime's grading_rpc_handler_* instrumentation
// (SPEC_FULL.md §C.5): a deployment that wants to observe dispatch
// without changing its behaviour implements this interface.
type Hooks interface {
	BeforeDispatch(kind wire.Kind)
	AfterDispatch(kind wire.Kind, err error)
}

// NopHooks implements Hooks with no side effects; it is the default.
type NopHooks struct{}

func (NopHooks) BeforeDispatch(wire.Kind)      {}
func (NopHooks) AfterDispatch(wire.Kind, error) {}

// Transmitter sends an already-built response back over whichever
// channel the originating request arrived on. Package transport's
// Channel and async.Multiplexer both satisfy call sites that need
// this; dispatch only needs the narrow slice of behaviour below.
type Transmitter interface {
	Transmit(resp wire.Response) error
}

// Router is the per-core dispatch table: a map from request kind to
// handler, guarded the way Connection guards its cancelFuncs map.
type Router struct {
	logger *log.Logger
	hooks  Hooks
	fwd    Forwardable

	mu       sync.Mutex
	handlers map[wire.Kind]Handler // GUARDED_BY(mu)
}

// NewRouter creates an empty Router. fwd may be nil, meaning this
// core never forwards (e.g. a single-core deployment).
func NewRouter(logger *log.Logger, hooks Hooks, fwd Forwardable) *Router {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Router{
		logger:   logger,
		hooks:    hooks,
		fwd:      fwd,
		handlers: make(map[wire.Kind]Handler),
	}
}

// Handle registers h for kind, replacing any existing handler.
func (r *Router) Handle(kind wire.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch routes req to its handler and returns the response to
// transmit immediately, or (nil, true, nil) if the handler suspended.
// A suspended request's response is transmitted by whatever the
// handler's registration hands ctx.Resume to (e.g. the onWaitComplete
// callback of RegisterProcMgmtHandlers), not through tx; Dispatch
// itself does not use tx.
func (r *Router) Dispatch(req *wire.Request, tx Transmitter) (resp *wire.Response, suspended bool, err error) {
	_, report := reqtrace.StartSpan(context.Background(), req.Kind.String())
	defer func() { report(err) }()

	r.hooks.BeforeDispatch(req.Kind)

	ctx := &Context{Request: req}

	if r.fwd != nil {
		if peer, forward := r.fwd(ctx); forward {
			r.hooks.AfterDispatch(req.Kind, nil)
			return nil, false, &ForwardError{Peer: peer, Request: req}
		}
	}

	r.mu.Lock()
	h, ok := r.handlers[req.Kind]
	r.mu.Unlock()
	if !ok {
		noHandler := fmt.Errorf("dispatch: no handler registered for %s", req.Kind)
		r.hooks.AfterDispatch(req.Kind, noHandler)
		return nil, false, noHandler
	}

	ready := h(ctx)
	r.hooks.AfterDispatch(req.Kind, nil)

	if !ready {
		if ctx.Resume == nil {
			return nil, false, fmt.Errorf("dispatch: handler for %s returned false without setting Resume", req.Kind)
		}
		// The handler is responsible for calling ctx.Resume (wrapped by
		// whoever is waiting) once ctx.Response is ready; it must itself
		// then call tx.Transmit(ctx.Response) — dispatch's job here is
		// only to route, not to block the single-threaded event loop.
		return nil, true, nil
	}

	return &ctx.Response, false, nil
}

// ForwardError signals that a request belongs on a different core;
// the caller (the per-core event loop) is expected to re-send the
// original bytes over the cross-core channel (spec.md §4.7's
// rpc_transmit) and is not itself a failure.
type ForwardError struct {
	Peer    kernel.CoreID
	Request *wire.Request
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("dispatch: request belongs on core %d", e.Peer)
}
