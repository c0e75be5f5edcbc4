package dispatch

import (
	"fmt"
	"sync"

	"github.com/parallelcore/mkinit/procmgr"
	"github.com/parallelcore/mkinit/wire"
)

// RegisterProcMgmtHandlers wires table's methods into r for every
// PROC_MGMT sub-kind (spec.md §4.6, §6.1). PROC_WAIT is the one
// sub-kind that can suspend: it stashes ctx.Resume and lets
// table.RegisterWait fire it once the target process reaches a
// terminal state, rather than blocking the dispatch goroutine.
//
// onWaitComplete, if non-nil, is invoked (with ctx.Response already
// filled in) once a suspended PROC_WAIT resolves; the caller supplies
// it to actually transmit the response over whichever channel the
// request arrived on (dispatch itself only routes, per Router.Dispatch's
// doc comment).
func RegisterProcMgmtHandlers(r *Router, table *procmgr.Table, onWaitComplete func(ctx *Context)) {
	r.Handle(wire.KindProcMgmt, func(ctx *Context) bool {
		var req wire.ProcMgmtRequest
		if err := wire.Decode(ctx.Request.Payload, &req); err != nil {
			ctx.Response = wire.Response{Kind: wire.KindProcMgmt, Err: err.Error()}
			return true
		}

		switch req.Sub {
		case wire.ProcSpawnCmdline:
			rec := table.SpawnWithCmdline(req.Cmdline, nil)
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{Pid: uint32(rec.Pid)}, nil)

		case wire.ProcSpawnDefault:
			rec := table.Spawn(req.Name, req.Cmdline, req.Argv, nil)
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{Pid: uint32(rec.Pid)}, nil)

		case wire.ProcAllPids:
			pids := table.ListPids()
			out := make([]uint32, len(pids))
			for i, p := range pids {
				out[i] = uint32(p)
			}
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{Pids: out}, nil)

		case wire.ProcStatus:
			state, exitCode, err := table.GetStatus(int32(req.Pid))
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{State: uint8(state), ExitCode: exitCode}, err)

		case wire.ProcName:
			name, err := table.GetName(int32(req.Pid))
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{Name: name}, err)

		case wire.ProcPid:
			pid, err := table.GetPidByName(req.Name)
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{Pid: uint32(pid)}, err)

		case wire.ProcPause:
			err := table.Suspend(int32(req.Pid))
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{}, err)

		case wire.ProcResume:
			err := table.Resume(int32(req.Pid))
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{}, err)

		case wire.ProcWait:
			pid := int32(req.Pid)
			var mu sync.Mutex
			fired, suspended := false, false
			ctx.Resume = func() {
				if onWaitComplete != nil {
					onWaitComplete(ctx)
				}
			}
			err := table.RegisterWait(pid, func(exitCode int32) {
				mu.Lock()
				ctx.Response = encodeProcMgmtResponse(wire.ProcMgmtResponse{Pid: uint32(pid), ExitCode: exitCode}, nil)
				fired = true
				resume := suspended
				mu.Unlock()
				if resume {
					ctx.Resume()
				}
			})
			if err != nil {
				ctx.Resume = nil
				return respondProcMgmt(ctx, wire.ProcMgmtResponse{}, err)
			}
			// RegisterWait calls the waiter inline, before returning, when
			// the process is already terminal (procmgr.Table.RegisterWait);
			// only suspend if that didn't happen.
			mu.Lock()
			defer mu.Unlock()
			if fired {
				return true
			}
			suspended = true
			return false

		case wire.ProcExit:
			err := table.Exit(int32(req.Pid), req.ExitStatus)
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{}, err)

		case wire.ProcKill:
			err := table.Kill(int32(req.Pid))
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{}, err)

		case wire.ProcKillAll:
			n, err := table.KillAll(req.Name)
			return respondProcMgmt(ctx, wire.ProcMgmtResponse{Pid: uint32(n)}, err)

		default:
			ctx.Response = wire.Response{Kind: wire.KindProcMgmt, Err: fmt.Sprintf("dispatch: unexpected proc_mgmt sub-kind %v", req.Sub)}
			return true
		}
	})
}

func respondProcMgmt(ctx *Context, resp wire.ProcMgmtResponse, err error) bool {
	ctx.Response = encodeProcMgmtResponse(resp, err)
	return true
}

func encodeProcMgmtResponse(resp wire.ProcMgmtResponse, err error) wire.Response {
	if err != nil {
		return wire.Response{Kind: wire.KindProcMgmt, Err: err.Error()}
	}
	payload, encErr := wire.Encode(resp)
	if encErr != nil {
		return wire.Response{Kind: wire.KindProcMgmt, Err: encErr.Error()}
	}
	return wire.Response{Kind: wire.KindProcMgmt, Payload: payload}
}
