// Package netsvc implements the NETWORK request adapters of spec.md
// §6.1: a thin layer over the out-of-scope network stack (virtio-net /
// enet drivers) that tracks in-flight PING/ARP resolutions and times
// them out, the only time-bounded operations this core has (spec.md
// §5 Cancellation/timeouts).
package netsvc

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/parallelcore/mkinit/initerr"
)

// Driver is the out-of-scope network stack's interface with the core:
// the handful of operations a real virtio-net/enet driver exposes,
// specified only at this boundary (spec.md §1 Out of scope).
type Driver interface {
	Send(data []byte, addr string) error
	Listen(addr string) error
	MAC() [6]byte
}

// pendingPing is one outstanding PING awaiting a reply or a timeout.
type pendingPing struct {
	deadline time.Time
	done     chan error
}

// Server answers NETWORK requests. Ping blocks its caller until the
// reply arrives or a real timer of length window fires, whichever is
// first (spec.md §5: "register a deferred event; on timeout, the
// registered callback fires with an error code").
type Server struct {
	clock  timeutil.Clock
	driver Driver
	window time.Duration

	mu      sync.Mutex
	io      bool // INIT has installed a MAC / driver is ready
	pending map[string]*pendingPing // keyed by target addr
}

// New creates a Server. clock only stamps each pending ping's recorded
// deadline; the Ping timeout itself runs on a real timer, so a fake
// clock does not shorten or lengthen it.
func New(driver Driver, clock timeutil.Clock, window time.Duration) *Server {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Server{
		clock:   clock,
		driver:  driver,
		window:  window,
		pending: make(map[string]*pendingPing),
	}
}

// Init records that the network driver process has announced its MAC
// address (NETWORK/INIT, spec.md §6.1) and is ready to carry traffic.
func (s *Server) Init(mac [6]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.io = true
	return nil
}

// Send forwards data to addr over the driver.
func (s *Server) Send(data []byte, addr string) error {
	if !s.ready() {
		return fmt.Errorf("%w: network not initialised", initerr.ErrInvalidArgs)
	}
	return s.driver.Send(data, addr)
}

// Listen installs a listener for addr.
func (s *Server) Listen(addr string) error {
	if !s.ready() {
		return fmt.Errorf("%w: network not initialised", initerr.ErrInvalidArgs)
	}
	return s.driver.Listen(addr)
}

func (s *Server) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io
}

// Ping starts an ARP-resolve/ping round for addr and blocks the
// calling goroutine until either Resolve(addr) answers or the timeout
// window elapses, at which point it returns initerr.ErrTimeout — the
// only error kind spec.md §7 attributes to the network subsystem.
func (s *Server) Ping(addr string) error {
	if !s.ready() {
		return fmt.Errorf("%w: network not initialised", initerr.ErrInvalidArgs)
	}

	p := &pendingPing{deadline: s.clock.Now().Add(s.window), done: make(chan error, 1)}
	s.mu.Lock()
	s.pending[addr] = p
	s.mu.Unlock()

	if err := s.driver.Send(nil, addr); err != nil {
		s.mu.Lock()
		delete(s.pending, addr)
		s.mu.Unlock()
		return err
	}

	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case err := <-p.done:
		return err
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, addr)
		s.mu.Unlock()
		return initerr.ErrTimeout
	}
}

// Resolve completes a pending Ping/ARP resolution for addr, fired by
// the receive path when a reply frame arrives. A resolve for an
// address with nothing pending (already timed out, or never asked
// for) is a no-op.
func (s *Server) Resolve(addr string, err error) {
	s.mu.Lock()
	p, ok := s.pending[addr]
	if ok {
		delete(s.pending, addr)
	}
	s.mu.Unlock()
	if ok {
		p.done <- err
	}
}

// Receive delivers inbound data to whatever registered listener wants
// it; SPEC_FULL leaves demultiplexing by addr to the out-of-scope
// network stack and only adapts the RPC boundary here.
func (s *Server) Receive(data []byte, fromAddr string) {
	s.Resolve(fromAddr, nil)
}
