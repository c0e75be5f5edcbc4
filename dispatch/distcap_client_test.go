package dispatch

import (
	"testing"
	"time"

	"github.com/parallelcore/mkinit/distcap"
	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/transport/async"
	"github.com/parallelcore/mkinit/transport/shmem"
	"github.com/parallelcore/mkinit/wire"
)

// TestAsyncSyncClient_DeleteSync_RoundTripsOverTheWire exercises the
// full MOVE_OWNER delete path across a real shmem.Channel and
// async.Multiplexer pair, not just the in-process pairedSyncClient
// distcap's own tests use.
func TestAsyncSyncClient_DeleteSync_RoundTripsOverTheWire(t *testing.T) {
	chA, chB, err := shmem.NewPair(8)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer chA.Close()

	k1 := kernel.NewFake()
	frame := kernel.CapRef{CNode: 1, Slot: 3}
	k1.Put(frame, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
	})
	e1 := distcap.New(1, k1, distcap.NewLockTable(), distcap.NewDeleteQueue(1), nil, nil, kernel.CapRef{})

	r1 := NewRouter(nil, nil, nil)
	RegisterDistcapSyncHandlers(r1, e1)

	peerMux := async.New(chB, func(payload []byte, caps []kernel.CapRef) ([]byte, []kernel.CapRef) {
		resp, _, err := r1.Dispatch(&wire.Request{Kind: wire.KindDistcap, Payload: payload}, nil)
		if err != nil {
			t.Errorf("peer Dispatch: %v", err)
			return nil, nil
		}
		return resp.Payload, nil
	}, nil)
	go peerMux.Run()

	clientMux := async.New(chA, nil, nil)
	go clientMux.Run()

	client := NewAsyncSyncClient(clientMux)

	k0 := kernel.NewFake()
	k0.Put(frame, kernel.Capability{
		Identity: kernel.Identity{Type: kernel.TypeFrame, Bytes: 4096},
		Owner:    0,
		Remote:   kernel.RelCopy,
	})
	e0 := distcap.New(0, k0, distcap.NewLockTable(), distcap.NewDeleteQueue(1), client, nil, kernel.CapRef{})

	d := kernel.DomainCapRef{Root: kernel.CapRef{CNode: 1}, Ref: frame}

	done := make(chan error, 1)
	go func() { done <- e0.Delete(d) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Delete to complete over the wire")
	}

	c1, err := k1.Identify(frame)
	if err != nil {
		t.Fatalf("peer Identify: %v", err)
	}
	if c1.Owner != 1 {
		t.Fatalf("peer owner = %d, want 1", c1.Owner)
	}
}
