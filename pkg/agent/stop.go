package agent

import (
	"context"
	"time"

	"github.com/wasmagent/agent/pkg/natives"
	"github.com/wasmagent/agent/pkg/proto"
	"github.com/wasmagent/agent/pkg/slot"
	"github.com/wasmagent/agent/pkg/wasmruntime"
)

// handleStop implements STOP per §4.6: attempt the soft path and arm the
// stop-escalation timer (C8) in case it does not take effect.
func (a *Agent) handleStop(l proto.Line) {
	moduleID, ok := l.Get("module_id")
	if !ok {
		a.respond("STOP_OK status=NO_JOB")
		return
	}

	idx := a.table.Find(moduleID)
	if idx < 0 {
		a.respond("STOP_OK status=IDLE")
		return
	}
	s := a.table.At(idx)

	s.Lock()
	busy := s.Busy
	instHandle := s.InstanceHandle
	gen := s.StopGeneration
	if busy {
		s.StopRequestedFlag = true
		s.TerminateRequestedFlag = true
	}
	s.Unlock()

	if !busy {
		a.respond("STOP_OK status=IDLE")
		return
	}

	a.rt.Terminate(instHandle)
	a.armStopTimer(idx, gen)
	a.respond("STOP_OK status=PENDING")
}

func (a *Agent) armStopTimer(idx, gen int) {
	s := a.table.At(idx)
	s.Lock()
	if s.StopTimer != nil {
		s.StopTimer.Stop()
	}
	s.StopTimer = time.AfterFunc(a.cfg.StopForceDelay, func() {
		a.escalate(idx, gen)
	})
	s.Unlock()
}

func (a *Agent) cancelStopTimer(idx int) {
	s := a.table.At(idx)
	s.Lock()
	if s.StopTimer != nil {
		s.StopTimer.Stop()
		s.StopTimer = nil
	}
	s.Unlock()
}

// escalate is the Stop Escalation Timer (C8) firing: the worker has not
// emitted a RESULT within StopForceDelay of a soft stop, so the instance
// is torn down and rebuilt from its retained module handle without the
// module ever observing the abort.
func (a *Agent) escalate(idx, gen int) {
	a.table.LoadMu.Lock()
	defer a.table.LoadMu.Unlock()

	s := a.table.At(idx)
	s.Lock()
	if s.StopGeneration != gen || !s.Used || !s.Busy || !s.TerminateRequestedFlag || s.InstanceHandle == nil {
		s.Unlock()
		return
	}
	moduleID := s.ModuleID
	funcName := s.PendingRequest.Func
	modHandle := s.ModuleHandle
	instHandle := s.InstanceHandle
	execHandle := s.ExecEnvHandle
	s.StopGeneration++
	s.StopTimer = nil
	s.Unlock()

	if execHandle != nil {
		a.rt.DestroyExecEnv(execHandle)
	}
	a.rt.DestroyInstance(instHandle)

	instCtx := natives.WithSlotIndex(context.Background(), idx)
	newInst, instErr := a.rt.Instantiate(instCtx, modHandle, a.cfg.WorkerStackSize, a.cfg.WorkerHeapSize)

	var newExecHandle wasmruntime.ExecEnvHandle
	err := instErr
	if instErr == nil {
		newExecHandle, err = a.rt.CreateExecEnv(newInst, a.cfg.WorkerStackSize)
		if err != nil {
			a.rt.DestroyInstance(newInst)
			newInst = nil
		}
	}

	newState := slot.Loaded
	if err != nil {
		newState = slot.Empty
	}

	s.Lock()
	if err == nil {
		s.InstanceHandle = newInst
		s.ExecEnvHandle = newExecHandle
	} else {
		s.InstanceHandle = nil
		s.ExecEnvHandle = nil
	}
	s.State = newState
	s.Busy = false
	s.StopRequestedFlag = false
	s.TerminateRequestedFlag = false
	s.Unlock()

	a.startWorker(idx)

	a.respond("RESULT status=STOPPED forced=1 module_id=%s func=%s", moduleID, funcName)
}
