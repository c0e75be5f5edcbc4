package async

import (
	"sync"
	"testing"
	"time"

	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/transport/shmem"
)

func TestRequestResponse_RoundTrip(t *testing.T) {
	a, b, err := shmem.NewPair(8)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()

	peer := New(b, func(payload []byte, caps []kernel.CapRef) ([]byte, []kernel.CapRef) {
		out := make([]byte, len(payload))
		copy(out, payload)
		out[0]++ // distinguish request from response payload
		return out, nil
	}, nil)
	go peer.Run()

	mux := New(a, nil, nil)
	go mux.Run()

	var wg sync.WaitGroup
	wg.Add(1)

	var gotPayload []byte
	var gotErr error
	mux.Request([]byte{41}, nil, func(payload []byte, caps []kernel.CapRef, err error) {
		gotPayload = payload
		gotErr = err
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response callback")
	}

	if gotErr != nil {
		t.Fatalf("callback error: %v", gotErr)
	}
	if len(gotPayload) != 1 || gotPayload[0] != 42 {
		t.Fatalf("payload = %v, want [42]", gotPayload)
	}
}

func TestRequestResponse_CapsSurviveTheRoundTrip(t *testing.T) {
	a, b, err := shmem.NewPair(8)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()

	wantReqCaps := []kernel.CapRef{{CNode: 1, Slot: 2}, {CNode: 3, Slot: 4}}
	wantRespCaps := []kernel.CapRef{{CNode: 5, Slot: 6}}

	peer := New(b, func(payload []byte, caps []kernel.CapRef) ([]byte, []kernel.CapRef) {
		if len(caps) != len(wantReqCaps) {
			t.Errorf("peer saw %d caps, want %d", len(caps), len(wantReqCaps))
		} else {
			for i, c := range caps {
				if c != wantReqCaps[i] {
					t.Errorf("peer cap[%d] = %+v, want %+v", i, c, wantReqCaps[i])
				}
			}
		}
		return payload, wantRespCaps
	}, nil)
	go peer.Run()

	mux := New(a, nil, nil)
	go mux.Run()

	var wg sync.WaitGroup
	wg.Add(1)

	var gotCaps []kernel.CapRef
	var gotErr error
	mux.Request([]byte{1}, wantReqCaps, func(payload []byte, caps []kernel.CapRef, err error) {
		gotCaps = caps
		gotErr = err
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response callback")
	}

	if gotErr != nil {
		t.Fatalf("callback error: %v", gotErr)
	}
	if len(gotCaps) != len(wantRespCaps) {
		t.Fatalf("caps = %v, want %v", gotCaps, wantRespCaps)
	}
	for i, c := range gotCaps {
		if c != wantRespCaps[i] {
			t.Errorf("cap[%d] = %+v, want %+v", i, c, wantRespCaps[i])
		}
	}
}

func TestRequestResponse_EachCallbackFiresExactlyOnce(t *testing.T) {
	a, b, err := shmem.NewPair(8)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()

	peer := New(b, func(payload []byte, caps []kernel.CapRef) ([]byte, []kernel.CapRef) {
		return payload, nil
	}, nil)
	go peer.Run()

	mux := New(a, nil, nil)
	go mux.Run()

	const n = 20
	var mu sync.Mutex
	counts := make(map[byte]int)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := byte(i)
		mux.Request([]byte{i}, nil, func(payload []byte, caps []kernel.CapRef, err error) {
			mu.Lock()
			counts[payload[0]]++
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all callbacks")
	}

	for i := byte(0); i < n; i++ {
		if counts[i] != 1 {
			t.Errorf("request %d: callback fired %d times, want 1", i, counts[i])
		}
	}
}
