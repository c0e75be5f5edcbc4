package dispatch

import (
	"errors"
	"testing"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/wire"
)

func TestDispatch_RoutesToRegisteredHandler(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	r.Handle(wire.KindGenericNumber, func(ctx *Context) bool {
		ctx.Response = wire.Response{Kind: wire.KindGenericNumber, Payload: []byte{7}}
		return true
	})

	resp, suspended, err := r.Dispatch(&wire.Request{Kind: wire.KindGenericNumber}, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if suspended {
		t.Fatal("expected immediate response")
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != 7 {
		t.Fatalf("payload = %v, want [7]", resp.Payload)
	}
}

func TestDispatch_UnknownKind_Errors(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	_, _, err := r.Dispatch(&wire.Request{Kind: wire.KindTerminal}, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered kind")
	}
}

func TestDispatch_HandlerSuspendsWithoutResume_Errors(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	r.Handle(wire.KindTerminal, func(ctx *Context) bool { return false })

	_, _, err := r.Dispatch(&wire.Request{Kind: wire.KindTerminal}, nil)
	if err == nil {
		t.Fatal("expected an error when a handler suspends without setting Resume")
	}
}

func TestDispatch_HandlerSuspends_ResumeFiresLater(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	resumed := make(chan struct{})
	r.Handle(wire.KindProcMgmt, func(ctx *Context) bool {
		ctx.Resume = func() { close(resumed) }
		go ctx.Resume()
		return false
	})

	_, suspended, err := r.Dispatch(&wire.Request{Kind: wire.KindProcMgmt}, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !suspended {
		t.Fatal("expected Dispatch to report suspension")
	}
	<-resumed
}

func TestDispatch_ForwardableRequest_ReturnsForwardError(t *testing.T) {
	fwd := func(ctx *Context) (kernel.CoreID, bool) { return 1, true }
	r := NewRouter(nil, nil, fwd)
	r.Handle(wire.KindProcMgmt, func(ctx *Context) bool {
		t.Fatal("handler should not run for a forwarded request")
		return true
	})

	_, _, err := r.Dispatch(&wire.Request{Kind: wire.KindProcMgmt}, nil)
	var fe *ForwardError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *ForwardError", err)
	}
	if fe.Peer != 1 {
		t.Fatalf("forward peer = %d, want 1", fe.Peer)
	}
}

type countingHooks struct {
	before, after int
}

func (h *countingHooks) BeforeDispatch(wire.Kind)       { h.before++ }
func (h *countingHooks) AfterDispatch(wire.Kind, error) { h.after++ }

func TestDispatch_HooksFireAroundEveryDispatch(t *testing.T) {
	h := &countingHooks{}
	r := NewRouter(nil, h, nil)
	r.Handle(wire.KindGenericNumber, func(ctx *Context) bool { return true })

	r.Dispatch(&wire.Request{Kind: wire.KindGenericNumber}, nil)
	if h.before != 1 || h.after != 1 {
		t.Fatalf("before=%d after=%d, want 1 and 1", h.before, h.after)
	}
}
