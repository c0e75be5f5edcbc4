package dispatch

import (
	"fmt"

	"github.com/parallelcore/mkinit/netsvc"
	"github.com/parallelcore/mkinit/wire"
)

// RegisterNetworkHandler wires srv into r for every NETWORK sub-kind
// (spec.md §6.1). PING blocks the handler's own goroutine until
// netsvc.Server resolves or times out; it does not stash ctx.Resume,
// since the suspension happens entirely inside Ping rather than at
// the dispatch layer (DESIGN.md's concurrency model: PING is the one
// request kind whose "suspension" is a blocking call with a deadline,
// not a continuation).
func RegisterNetworkHandler(r *Router, srv *netsvc.Server) {
	r.Handle(wire.KindNetwork, func(ctx *Context) bool {
		var req wire.NetworkRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindNetwork, Err: err.Error()}
			return true
		}

		var err error
		var resp wire.NetworkResponse
		switch req.Sub {
		case wire.NetworkInit:
			err = srv.Init(req.MAC)
		case wire.NetworkSend:
			err = srv.Send(req.Data, req.Addr)
		case wire.NetworkListen:
			err = srv.Listen(req.Addr)
		case wire.NetworkPing:
			err = srv.Ping(req.Addr)
		case wire.NetworkReceive:
			srv.Receive(req.Data, req.Addr)
		case wire.NetworkSetIO:
			// Acknowledged with success; no network IOBackend is
			// installed here, and nothing in dispatch calls
			// terminal.Router.SetNetworkIO.
		default:
			err = fmt.Errorf("dispatch: unknown network sub-kind %v", req.Sub)
		}

		if err != nil {
			ctx.Response = wire.Response{Kind: wire.KindNetwork, Err: err.Error()}
			return true
		}
		payload, encErr := wire.Encode(resp)
		if encErr != nil {
			ctx.Response = wire.Response{Kind: wire.KindNetwork, Err: encErr.Error()}
			return true
		}
		ctx.Response = wire.Response{Kind: wire.KindNetwork, Payload: payload}
		return true
	})
}
