package procmgr

import (
	"sync"
	"testing"
)

// S4 — spawn, wait, exit: a registered waiter receives the process's
// actual exit code, and a later STATUS query agrees.
func TestWaitThenExit_S4_WaiterGetsExitCode(t *testing.T) {
	tbl := New(1, 2)
	r := tbl.Spawn("hello", "hello", []string{"hello"}, nil)

	var got int32 = -999
	done := make(chan struct{})
	if err := tbl.RegisterWait(r.Pid, func(code int32) {
		got = code
		close(done)
	}); err != nil {
		t.Fatalf("RegisterWait: %v", err)
	}

	if err := tbl.Exit(r.Pid, 42); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	<-done

	if got != 42 {
		t.Fatalf("waiter exit code = %d, want 42", got)
	}

	state, code, err := tbl.GetStatus(r.Pid)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if state != Terminated || code != 42 {
		t.Fatalf("status = (%v, %d), want (TERMINATED, 42)", state, code)
	}
}

// RegisterWait called after the process has already exited must still
// fire, and exactly once (Property P4).
func TestRegisterWait_AfterExit_FiresImmediately(t *testing.T) {
	tbl := New(0, 2)
	r := tbl.Spawn("quick", "quick", nil, nil)
	if err := tbl.Exit(r.Pid, 7); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	fired := 0
	if err := tbl.RegisterWait(r.Pid, func(code int32) {
		fired++
		if code != 7 {
			t.Errorf("code = %d, want 7", code)
		}
	}); err != nil {
		t.Fatalf("RegisterWait: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

// Property P4 — every caller of RegisterWait(P) fires exactly once,
// even with many concurrent waiters racing the exit itself.
func TestProperty_P4_NoLostWakeups(t *testing.T) {
	tbl := New(0, 2)
	r := tbl.Spawn("p", "p", nil, nil)

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := make(map[int]int)
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			tbl.RegisterWait(r.Pid, func(code int32) {
				mu.Lock()
				fired[i]++
				mu.Unlock()
			})
		}()
	}

	go tbl.Exit(r.Pid, 1)

	wg.Wait()
	for i := 0; i < n; i++ {
		if fired[i] != 1 {
			t.Errorf("waiter %d fired %d times, want 1", i, fired[i])
		}
	}
}

// Property P5 — pid mod cores == the spawning core.
func TestProperty_P5_PidDomain(t *testing.T) {
	const cores = 2
	tbl0 := New(0, cores)
	tbl1 := New(1, cores)

	for i := 0; i < 5; i++ {
		r0 := tbl0.Spawn("a", "a", nil, nil)
		if r0.Pid%cores != 0 {
			t.Fatalf("core 0 pid %d mod %d != 0", r0.Pid, cores)
		}
		r1 := tbl1.Spawn("b", "b", nil, nil)
		if r1.Pid%cores != 1 {
			t.Fatalf("core 1 pid %d mod %d != 1", r1.Pid, cores)
		}
	}
}

// S5 — killall by name: every matching process is killed and every
// waiter fires with exit_code=-1.
func TestKillAll_S5_KillsEveryMatchAndNotifiesWaiters(t *testing.T) {
	tbl := New(0, 1)
	a := tbl.Spawn("worker", "worker", nil, nil)
	b := tbl.Spawn("worker", "worker", nil, nil)
	c := tbl.Spawn("other", "other", nil, nil)

	var codeA, codeB int32 = -999, -999
	tbl.RegisterWait(a.Pid, func(code int32) { codeA = code })
	tbl.RegisterWait(b.Pid, func(code int32) { codeB = code })

	n, err := tbl.KillAll("worker")
	if err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("killed %d, want 2", n)
	}
	if codeA != -1 || codeB != -1 {
		t.Fatalf("exit codes = (%d, %d), want (-1, -1)", codeA, codeB)
	}

	stateC, _, err := tbl.GetStatus(c.Pid)
	if err != nil {
		t.Fatalf("GetStatus(c): %v", err)
	}
	if stateC == Killed {
		t.Fatal("unrelated process should not have been killed")
	}
}

func TestGetPidByName_TieBreaksOnSmallestPid(t *testing.T) {
	tbl := New(0, 1)
	first := tbl.Spawn("dup", "dup", nil, nil)
	tbl.Spawn("dup", "dup", nil, nil)

	pid, err := tbl.GetPidByName("dup")
	if err != nil {
		t.Fatalf("GetPidByName: %v", err)
	}
	if pid != first.Pid {
		t.Fatalf("pid = %d, want smallest %d", pid, first.Pid)
	}
}

func TestGetPidByName_AbsolutePathMustMatchExactly(t *testing.T) {
	tbl := New(0, 1)
	tbl.Spawn("/SDCARD/bin/tool", "/SDCARD/bin/tool", nil, nil)

	if _, err := tbl.GetPidByName("/bin/tool"); err == nil {
		t.Fatal("expected absolute-path lookup to require an exact match")
	}
	if _, err := tbl.GetPidByName("tool"); err != nil {
		t.Fatalf("basename-only lookup should match: %v", err)
	}
}

func TestAccountMemory_RefusesOverLimit(t *testing.T) {
	tbl := New(0, 1)
	r := tbl.Spawn("p", "p", nil, nil)

	if err := tbl.AccountMemory(r.Pid, int64(DefaultMemoryLimit)); err != nil {
		t.Fatalf("AccountMemory up to limit: %v", err)
	}
	if err := tbl.AccountMemory(r.Pid, 1); err == nil {
		t.Fatal("expected AccountMemory to refuse exceeding the limit")
	}
}
