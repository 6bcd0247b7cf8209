package agent

import (
	"fmt"
	"strings"

	"github.com/wasmagent/agent/pkg/slot"
)

// handleStatus implements STATUS per §4.6.
func (a *Agent) handleStatus() {
	var modules []string
	var lowStack []string

	for i := 0; i < a.table.Len(); i++ {
		snap := a.table.Snapshot(i)
		if a.mirror != nil {
			a.mirror.MirrorSlot(i, snap.Used, snap.ModuleID, snap.State.String(), snap.WasmSize)
		}
		if !snap.Used {
			continue
		}
		stackFree := a.cfg.WorkerStackBudget
		if snap.State == slot.Running {
			stackFree = a.cfg.WorkerStackBudget - a.cfg.WorkerStackInUseEstimate
		}
		modules = append(modules, fmt.Sprintf("%s:%s:wasm=%d:stack_free=%d", snap.ModuleID, snap.State, snap.WasmSize, stackFree))
		if stackFree < a.cfg.LowStackThreshold {
			lowStack = append(lowStack, snap.ModuleID)
		}
	}

	modulesCSV := "none"
	if len(modules) > 0 {
		modulesCSV = strings.Join(modules, ",")
	}
	lowStackCSV := strings.Join(lowStack, ",")

	info, ok := a.rt.HeapInfo()
	if !ok {
		a.respond("STATUS_OK modules=%q low_stack=%q wamr_heap=NA", modulesCSV, lowStackCSV)
		return
	}
	a.respond("STATUS_OK modules=%q low_stack=%q wamr_total=%d wamr_free=%d wamr_used=%d wamr_highmark=%d",
		modulesCSV, lowStackCSV, info.Total, info.Free, info.Used, info.Highmark)
}
