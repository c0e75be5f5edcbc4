package dispatch

import (
	"fmt"
	"sync"

	"github.com/parallelcore/mkinit/transport/endpoint"
	"github.com/parallelcore/mkinit/wire"
)

// RegisterGenericHandlers wires the GENERIC_NUMBER and GENERIC_STRING
// kinds to plain echo handlers (spec.md §6.1): these carry no domain
// state and exist mainly for connectivity probes and the TEST_SUITE
// harness to exercise the transport without a real subsystem behind
// it.
func RegisterGenericHandlers(r *Router) {
	r.Handle(wire.KindGenericNumber, func(ctx *Context) bool {
		var req wire.GenericNumberRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindGenericNumber, Err: err.Error()}
			return true
		}
		payload, _ := wire.Encode(wire.GenericNumberResponse{Value: req.Value})
		ctx.Response = wire.Response{Kind: wire.KindGenericNumber, Payload: payload}
		return true
	})

	r.Handle(wire.KindGenericString, func(ctx *Context) bool {
		var req wire.GenericStringRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindGenericString, Err: err.Error()}
			return true
		}
		payload, _ := wire.Encode(wire.GenericStringResponse{Str: req.Str})
		ctx.Response = wire.Response{Kind: wire.KindGenericString, Payload: payload}
		return true
	})
}

// ChannelRegistry hands out fresh in-core endpoint channels to newly
// spawned processes on SETUP_CHANNEL requests (spec.md §6.1), the
// local analogue of the cross-core URPC hand-off of §4.4.
type ChannelRegistry struct {
	depth int
	mu    sync.Mutex
	byPid map[uint32]*endpoint.Channel
}

// NewChannelRegistry creates a registry whose channels have the given
// receive-buffer depth.
func NewChannelRegistry(depth int) *ChannelRegistry {
	return &ChannelRegistry{depth: depth, byPid: make(map[uint32]*endpoint.Channel)}
}

// Lookup returns the channel previously set up for pid, if any.
func (c *ChannelRegistry) Lookup(pid uint32) (*endpoint.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byPid[pid]
	return ch, ok
}

// RegisterSetupChannelHandler wires reg into r for SETUP_CHANNEL
// (spec.md §6.1): a second request for the same pid replaces its
// previous channel, matching a process that reconnects after a crash
// rather than erroring.
func RegisterSetupChannelHandler(r *Router, reg *ChannelRegistry) {
	r.Handle(wire.KindSetupChannel, func(ctx *Context) bool {
		var req wire.SetupChannelRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindSetupChannel, Err: err.Error()}
			return true
		}

		ch := endpoint.New(reg.depth, nil)
		reg.mu.Lock()
		reg.byPid[req.Pid] = ch
		reg.mu.Unlock()

		payload, _ := wire.Encode(wire.SetupChannelResponse{})
		ctx.Response = wire.Response{Kind: wire.KindSetupChannel, Payload: payload}
		return true
	})
}

// FilesystemBackend is the FAT32 filesystem collaborator's interface
// with the core (spec.md §1 Out of scope): SPEC_FULL specifies only
// this adapter boundary, not the filesystem's internals.
type FilesystemBackend interface {
	Do(op string, payload []byte) ([]byte, error)
}

// RegisterFilesystemHandler wires backend into r for FILESYSTEM
// requests, a pure pass-through adapter (spec.md §6.1).
func RegisterFilesystemHandler(r *Router, backend FilesystemBackend) {
	r.Handle(wire.KindFilesystem, func(ctx *Context) bool {
		var req wire.FilesystemRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindFilesystem, Err: err.Error()}
			return true
		}
		out, err := backend.Do(req.Op, req.Payload)
		if err != nil {
			ctx.Response = wire.Response{Kind: wire.KindFilesystem, Err: err.Error()}
			return true
		}
		payload, encErr := wire.Encode(wire.FilesystemResponse{Payload: out})
		if encErr != nil {
			ctx.Response = wire.Response{Kind: wire.KindFilesystem, Err: encErr.Error()}
			return true
		}
		ctx.Response = wire.Response{Kind: wire.KindFilesystem, Payload: payload}
		return true
	})
}

// TestSuite is a registry of named self-tests exercised over RPC by
// the TEST_SUITE request kind (spec.md §6.1), the RPC-visible
// counterpart of this repo's own _test.go suites.
type TestSuite struct {
	mu    sync.Mutex
	tests map[string]func() error
}

// NewTestSuite creates an empty suite.
func NewTestSuite() *TestSuite {
	return &TestSuite{tests: make(map[string]func() error)}
}

// Register adds a named test.
func (s *TestSuite) Register(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[name] = fn
}

// RegisterTestSuiteHandler wires suite into r for TEST_SUITE requests.
func RegisterTestSuiteHandler(r *Router, suite *TestSuite) {
	r.Handle(wire.KindTestSuite, func(ctx *Context) bool {
		var req wire.TestSuiteRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindTestSuite, Err: err.Error()}
			return true
		}

		suite.mu.Lock()
		fn, ok := suite.tests[req.Name]
		suite.mu.Unlock()
		if !ok {
			ctx.Response = wire.Response{Kind: wire.KindTestSuite, Err: fmt.Sprintf("dispatch: unknown test %q", req.Name)}
			return true
		}

		resp := wire.TestSuiteResponse{Passed: true}
		if err := fn(); err != nil {
			resp.Passed = false
			resp.Output = err.Error()
		}
		payload, _ := wire.Encode(resp)
		ctx.Response = wire.Response{Kind: wire.KindTestSuite, Payload: payload}
		return true
	})
}
