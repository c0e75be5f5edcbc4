package dispatch

import (
	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/memserver"
	"github.com/parallelcore/mkinit/wire"
)

// RegisterMemserverHandler wires srv into r for MEMSERVER requests
// (spec.md §6.1). The allocated RAM capability rides back in
// Response.Caps[0]; pidOf identifies the caller for the per-process
// soft memory cap of SPEC_FULL.md §C.1.
func RegisterMemserverHandler(r *Router, srv *memserver.Server, pidOf func(ctx *Context) int32) {
	r.Handle(wire.KindMemserver, func(ctx *Context) bool {
		var req wire.MemserverRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindMemserver, Err: err.Error()}
			return true
		}

		ref, err := srv.Alloc(pidOf(ctx), req.Size, req.Alignment)
		if err != nil {
			ctx.Response = wire.Response{Kind: wire.KindMemserver, Err: err.Error()}
			return true
		}

		payload, err := wire.Encode(wire.MemserverResponse{RetBytes: req.Size})
		if err != nil {
			ctx.Response = wire.Response{Kind: wire.KindMemserver, Err: err.Error()}
			return true
		}
		ctx.Response = wire.Response{
			Kind:    wire.KindMemserver,
			Payload: payload,
			Caps:    []kernel.CapRef{ref},
		}
		return true
	})
}
