package agent

import (
	"fmt"
	"strings"

	"github.com/wasmagent/agent/pkg/proto"
	"github.com/wasmagent/agent/pkg/slot"
)

// handleStart implements START per §4.6.
func (a *Agent) handleStart(l proto.Line) {
	moduleID, ok := l.Get("module_id")
	if !ok {
		a.respond("RESULT status=NO_MODULE")
		return
	}

	idx := a.table.Find(moduleID)
	if idx < 0 {
		a.respond("RESULT status=NO_MODULE module_id=%s", moduleID)
		return
	}
	s := a.table.At(idx)

	s.Lock()
	instHandle := s.InstanceHandle
	execHandle := s.ExecEnvHandle
	busy := s.Busy
	s.Unlock()

	if instHandle == nil {
		a.respond("RESULT status=NO_MODULE module_id=%s", moduleID)
		return
	}

	if info, ok := a.rt.HeapInfo(); ok {
		guard := a.cfg.StartGuardHaveExecEnv
		if execHandle == nil {
			guard = a.cfg.StartGuardNeedExecEnv
		}
		if info.Free < guard {
			a.respond("RESULT status=NO_MEM module_id=%s free=%d", moduleID, info.Free)
			return
		}
	}

	if busy {
		a.respond("RESULT status=BUSY module_id=%s", moduleID)
		return
	}

	argsVal, hasArgs := l.Get("args")
	argv, err := proto.ParseArgs(argsVal)
	if err != nil {
		a.respond("RESULT status=BAD_PARAMS module_id=%s msg=%q", moduleID, err.Error())
		return
	}

	funcName, hasFunc := l.Get("func")
	if !hasFunc {
		funcName = "app_main"
		if _, ok := a.rt.Lookup(instHandle, funcName); !ok {
			if hasArgs {
				a.respond("RESULT status=NO_ENTRYPOINT module_id=%s msg=%q", moduleID, "args given but no entrypoint resolved")
			} else {
				a.respond("RESULT status=NO_ENTRYPOINT module_id=%s", moduleID)
			}
			return
		}
	}

	var req slot.Request
	req.Func = funcName
	req.Argc = len(argv)
	copy(req.Argv[:], argv)

	s.Lock()
	s.PendingRequest = req
	s.Busy = true
	s.Unlock()

	s.Signal()
	a.respond("START_OK module_id=%s", moduleID)
}

// runWorker is the Slot Worker (C7): one goroutine per slot incarnation,
// woken by ch, invoking whatever pending_request the dispatcher left.
func (a *Agent) runWorker(idx int, ch chan struct{}) {
	if err := a.rt.InitThreadEnv(); err != nil {
		return
	}
	defer a.rt.DestroyThreadEnv()

	s := a.table.At(idx)
	for {
		select {
		case <-a.stopCh:
			return
		case <-ch:
		}

		s.Lock()
		gen := s.StopGeneration
		req := s.PendingRequest
		moduleID := s.ModuleID
		instHandle := s.InstanceHandle
		execHandle := s.ExecEnvHandle
		s.Unlock()

		if gen != currentGeneration(s) {
			continue
		}

		fn, ok := a.rt.Lookup(instHandle, req.Func)
		if !ok {
			a.emitResult(idx, gen, fmt.Sprintf("RESULT status=NO_FUNC module_id=%s func=%s", moduleID, req.Func))
			continue
		}

		if execHandle == nil {
			newEnv, err := a.rt.CreateExecEnv(instHandle, a.cfg.WorkerStackSize)
			if err != nil {
				info, _ := a.rt.HeapInfo()
				a.emitResult(idx, gen, fmt.Sprintf("RESULT status=NO_EXEC_ENV module_id=%s func=%s free=%d", moduleID, req.Func, info.Free))
				continue
			}
			s.Lock()
			if s.StopGeneration == gen {
				s.ExecEnvHandle = newEnv
				execHandle = newEnv
			}
			stale := s.StopGeneration != gen
			s.Unlock()
			if stale {
				a.rt.DestroyExecEnv(newEnv)
				continue
			}
		}

		a.rt.ClearException(instHandle)

		s.Lock()
		if s.StopGeneration == gen {
			s.State = slot.Running
		}
		s.Unlock()

		argv := make([]uint32, req.Argc)
		copy(argv, req.Argv[:req.Argc])
		result, hasResult, invokeOK, invokeErr := a.rt.Invoke(execHandle, fn, argv)

		a.cancelStopTimer(idx)

		s.Lock()
		s.TerminateRequestedFlag = false
		s.Unlock()

		var line string
		switch {
		case !invokeOK:
			msg := invokeErr.Error()
			if strings.Contains(msg, "terminated") {
				line = fmt.Sprintf("RESULT status=STOPPED module_id=%s func=%s msg=%q", moduleID, req.Func, msg)
			} else {
				line = fmt.Sprintf("RESULT status=EXCEPTION module_id=%s func=%s msg=%q", moduleID, req.Func, msg)
			}
		case a.rt.ResultCount(fn, instHandle) == 1 && hasResult:
			line = fmt.Sprintf("RESULT status=OK module_id=%s func=%s ret_i32=%d", moduleID, req.Func, result)
		default:
			line = fmt.Sprintf("RESULT status=OK module_id=%s func=%s", moduleID, req.Func)
		}

		a.emitResult(idx, gen, line)
	}
}

// currentGeneration is a convenience reader used before doing any work, so
// a worker woken for a generation that was already rebuilt out from under
// it (signal delivered, then immediately orphaned) does nothing at all.
func currentGeneration(s *slot.Slot) int {
	s.Lock()
	defer s.Unlock()
	return s.StopGeneration
}

// emitResult delivers line and clears busy/state, unless the slot has
// since moved to a later generation — in which case a rebuild (LOAD
// replacement or forced stop) already emitted the authoritative RESULT
// and this one is discarded to preserve "exactly one RESULT per START".
func (a *Agent) emitResult(idx, gen int, line string) {
	s := a.table.At(idx)
	s.Lock()
	stale := s.StopGeneration != gen
	if !stale {
		if s.State == slot.Running {
			s.State = slot.Loaded
		}
		s.Busy = false
		s.StopRequestedFlag = false
	}
	s.Unlock()
	if stale {
		return
	}
	a.respond("%s", line)
}
