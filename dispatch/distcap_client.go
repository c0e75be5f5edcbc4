package dispatch

import (
	"fmt"

	"github.com/parallelcore/mkinit/distcap"
	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/transport/async"
	"github.com/parallelcore/mkinit/wire"
)

// AsyncSyncClient implements distcap.SyncClient over an
// async.Multiplexer connecting this core to its peer: every
// Delete/Revoke/RetypeSync call blocks the caller's goroutine on a
// channel until the peer's matching DISTCAP/*_SYNC response arrives
// (spec.md §4.5's cross-core half, via the suspension model of
// SPEC_FULL.md's distcap package doc comment).
type AsyncSyncClient struct {
	mux *async.Multiplexer
}

// NewAsyncSyncClient wraps mux as a distcap.SyncClient.
func NewAsyncSyncClient(mux *async.Multiplexer) *AsyncSyncClient {
	return &AsyncSyncClient{mux: mux}
}

func (c *AsyncSyncClient) call(req wire.DistcapRequest) (wire.DistcapResponse, error) {
	payload, err := wire.Encode(req)
	if err != nil {
		return wire.DistcapResponse{}, err
	}

	type result struct {
		resp wire.DistcapResponse
		err  error
	}
	done := make(chan result, 1)

	c.mux.Request(payload, nil, func(respPayload []byte, caps []kernel.CapRef, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp wire.DistcapResponse
		if err := wire.Decode(respPayload, &resp); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{resp: resp}
	})

	r := <-done
	return r.resp, r.err
}

func (c *AsyncSyncClient) DeleteSync(d kernel.DomainCapRef, identity kernel.Identity, owner kernel.CoreID, sub distcap.DeleteSubKind) error {
	_, err := c.call(wire.DistcapRequest{
		Sub:       wire.DistcapDeleteSync,
		Cap:       d,
		Owner:     owner,
		Identity:  identity,
		DeleteSub: uint8(sub),
	})
	return err
}

func (c *AsyncSyncClient) RevokeSync(d kernel.DomainCapRef, identity kernel.Identity) (distcap.RevokeVerdict, error) {
	resp, err := c.call(wire.DistcapRequest{
		Sub:      wire.DistcapRevokeSync,
		Cap:      d,
		Identity: identity,
	})
	if err != nil {
		return distcap.RevokeVerdict{}, err
	}
	return distcap.RevokeVerdict{Relations: resp.Relations}, nil
}

func (c *AsyncSyncClient) RetypeSync(d kernel.DomainCapRef, identity kernel.Identity, t kernel.Type, offset, objsize uint64, count uint32) (distcap.RetypeVerdict, error) {
	resp, err := c.call(wire.DistcapRequest{
		Sub:      wire.DistcapRetypeSync,
		Cap:      d,
		Identity: identity,
		Type:     t,
		Offset:   offset,
		Objsize:  objsize,
		Count:    count,
	})
	if err != nil {
		return distcap.RetypeVerdict{}, err
	}
	// The handler below encodes consent as a nonzero Relations (DESC,
	// since a granted retype marks the source as having a descendant);
	// a refusal comes back with Relations left zero.
	return distcap.RetypeVerdict{Consented: resp.Relations != 0}, nil
}

// distcapResponse builds the DISTCAP reply for a client-facing
// Delete/Revoke/Retype: err in-band if set, otherwise resp encoded.
func distcapResponse(err error, resp wire.DistcapResponse) wire.Response {
	if err != nil {
		return wire.Response{Kind: wire.KindDistcap, Err: err.Error()}
	}
	payload, encErr := wire.Encode(resp)
	if encErr != nil {
		return wire.Response{Kind: wire.KindDistcap, Err: encErr.Error()}
	}
	return wire.Response{Kind: wire.KindDistcap, Payload: payload}
}

// RegisterDistcapSyncHandlers wires engine's inbound Handle* methods
// and its client-facing Delete/Revoke/Retype into r, all under the one
// DISTCAP kind the wire format shares between the two (wire.go's
// DistcapRequest doc comment) — they must share a single r.Handle
// registration, since Router.Handle replaces whatever was previously
// registered for a kind.
func RegisterDistcapSyncHandlers(r *Router, engine *distcap.Engine) {
	r.Handle(wire.KindDistcap, func(ctx *Context) bool {
		var req wire.DistcapRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindDistcap, Err: err.Error()}
			return true
		}

		switch req.Sub {
		case wire.DistcapDelete:
			err := engine.Delete(req.Cap)
			ctx.Response = distcapResponse(err, wire.DistcapResponse{})
			return true

		case wire.DistcapRevoke:
			relations, err := engine.Revoke(req.Cap)
			ctx.Response = distcapResponse(err, wire.DistcapResponse{Relations: relations})
			return true

		case wire.DistcapRetype:
			dest := ctx.Request.Caps
			if uint32(len(dest)) != req.Count {
				ctx.Response = wire.Response{Kind: wire.KindDistcap, Err: fmt.Sprintf("dispatch: retype request named %d dest caps, want %d", len(dest), req.Count)}
				return true
			}
			err := engine.Retype(req.Cap, req.Type, req.Offset, req.Objsize, req.Count, dest)
			ctx.Response = distcapResponse(err, wire.DistcapResponse{})
			return true

		case wire.DistcapDeleteSync:
			if err := engine.HandleDeleteSync(req.Cap, distcap.DeleteSubKind(req.DeleteSub)); err != nil {
				ctx.Response = wire.Response{Kind: wire.KindDistcap, Err: err.Error()}
				return true
			}
			payload, _ := wire.Encode(wire.DistcapResponse{})
			ctx.Response = wire.Response{Kind: wire.KindDistcap, Payload: payload}
			return true

		case wire.DistcapRevokeSync:
			verdict, err := engine.HandleRevokeSync(req.Identity)
			if err != nil {
				ctx.Response = wire.Response{Kind: wire.KindDistcap, Err: err.Error()}
				return true
			}
			payload, _ := wire.Encode(wire.DistcapResponse{Relations: verdict.Relations})
			ctx.Response = wire.Response{Kind: wire.KindDistcap, Payload: payload}
			return true

		case wire.DistcapRetypeSync:
			verdict, err := engine.HandleRetypeSync(req.Cap, req.Identity, req.Offset, req.Objsize, req.Count)
			if err != nil {
				ctx.Response = wire.Response{Kind: wire.KindDistcap, Err: err.Error()}
				return true
			}
			relations := kernel.Relations(0)
			if verdict.Consented {
				relations = kernel.RelDescendant
			}
			payload, _ := wire.Encode(wire.DistcapResponse{Relations: relations})
			ctx.Response = wire.Response{Kind: wire.KindDistcap, Payload: payload}
			return true

		default:
			ctx.Response = wire.Response{Kind: wire.KindDistcap, Err: fmt.Sprintf("dispatch: unexpected distcap sub-kind %v on sync handler", req.Sub)}
			return true
		}
	})
}
