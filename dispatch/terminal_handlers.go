package dispatch

import (
	"github.com/parallelcore/mkinit/terminal"
	"github.com/parallelcore/mkinit/wire"
)

// RegisterTerminalHandlers wires r's TERMINAL and TERMINAL_STR kinds
// to router (spec.md §6.1): TERMINAL carries a single character,
// TERMINAL_STR a whole string, both written through whichever
// terminal.IOBackend is currently active.
func RegisterTerminalHandlers(r *Router, router *terminal.Router) {
	r.Handle(wire.KindTerminal, func(ctx *Context) bool {
		var req wire.TerminalRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindTerminal, Err: err.Error()}
			return true
		}
		if err := router.PutChar(req.Char); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindTerminal, Err: err.Error()}
			return true
		}
		ctx.Response = wire.Response{Kind: wire.KindTerminal}
		return true
	})

	r.Handle(wire.KindTerminalStr, func(ctx *Context) bool {
		var req wire.TerminalRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindTerminalStr, Err: err.Error()}
			return true
		}
		if req.Str == "" {
			ctx.Response = wire.Response{Kind: wire.KindTerminalStr, Err: terminal.ErrEmptyString.Error()}
			return true
		}
		if err := router.PutString(req.Str); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindTerminalStr, Err: err.Error()}
			return true
		}
		ctx.Response = wire.Response{Kind: wire.KindTerminalStr}
		return true
	})
}
