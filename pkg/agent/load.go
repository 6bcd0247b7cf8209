package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wasmagent/agent/pkg/crc32x"
	"github.com/wasmagent/agent/pkg/natives"
	"github.com/wasmagent/agent/pkg/proto"
	"github.com/wasmagent/agent/pkg/slot"
)

func crcHex(v uint32) string { return fmt.Sprintf("%08x", v) }

// handleLoad implements LOAD per §4.6: resolve or allocate a slot,
// arm the binary window, verify the payload's CRC, and build the
// runtime-side module/instance/exec-env triple.
func (a *Agent) handleLoad(l proto.Line) {
	moduleID, ok1 := l.Get("module_id")
	sizeStr, ok2 := l.Get("size")
	crcStr, ok3 := l.Get("crc32")
	if !ok1 || !ok2 || !ok3 {
		a.respond("LOAD_ERR code=BAD_PARAMS")
		return
	}

	size64, err := strconv.ParseUint(sizeStr, 10, 32)
	if err != nil || size64 == 0 {
		a.respond("LOAD_ERR code=BAD_PARAMS")
		return
	}
	size := uint32(size64)

	declaredCRC64, err := strconv.ParseUint(crcStr, 16, 32)
	if err != nil {
		a.respond("LOAD_ERR code=BAD_PARAMS")
		return
	}
	declaredCRC := uint32(declaredCRC64)

	replace := l.Values["replace"] == "1"
	victimID, hasVictim := l.Get("replace_victim")

	a.table.LoadMu.Lock()
	defer a.table.LoadMu.Unlock()

	idx := a.table.Find(moduleID)
	existed := idx >= 0
	victimIgnored := existed && hasVictim

	if idx < 0 {
		idx = a.table.AllocFree()
	}

	if idx < 0 {
		if !replace {
			a.respond("LOAD_ERR code=NO_SLOT")
			return
		}
		if !hasVictim {
			a.respond("LOAD_ERR code=FULL msg=%q", "NEED_VICTIM")
			return
		}
		vIdx := a.table.Find(victimID)
		if vIdx < 0 {
			a.respond("LOAD_ERR code=BAD_VICTIM")
			return
		}
		idx = vIdx
		victimIgnored = false
		a.cleanupSlot(idx)
	} else {
		s := a.table.At(idx)
		s.Lock()
		busy := s.Busy
		s.Unlock()
		if busy && !replace {
			a.respond("LOAD_ERR code=BUSY")
			return
		}
		if existed {
			a.cleanupSlot(idx)
		}
	}

	if !a.pool.Reserve(size) {
		a.respond("LOAD_ERR code=NO_MEM")
		return
	}

	buf := make([]byte, size)
	done := a.decoder.ArmBinary(buf)
	a.respond("LOAD_READY module_id=%s size=%d crc32=%s", moduleID, size, crcHex(declaredCRC))

	select {
	case <-done:
	case <-time.After(a.cfg.BinaryTimeout):
		a.decoder.DisarmBinary()
		a.pool.Release(size)
		a.respond("LOAD_ERR code=TIMEOUT")
		return
	}

	gotCRC := crc32x.Sum(buf)
	if gotCRC != declaredCRC {
		a.pool.Release(size)
		a.respond("LOAD_ERR code=BAD_CRC msg=%q", fmt.Sprintf("expected=%s got=%s", crcHex(declaredCRC), crcHex(gotCRC)))
		return
	}

	modHandle, err := a.rt.Load(buf)
	if err != nil {
		a.pool.Release(size)
		a.respond("LOAD_ERR code=LOAD_FAIL msg=%q", err.Error())
		return
	}

	instCtx := natives.WithSlotIndex(context.Background(), idx)
	instHandle, err := a.rt.Instantiate(instCtx, modHandle, a.cfg.WorkerStackSize, a.cfg.WorkerHeapSize)
	if err != nil {
		a.rt.DestroyModule(modHandle)
		a.pool.Release(size)
		a.respond("LOAD_ERR code=INSTANTIATE_FAIL msg=%q", err.Error())
		return
	}

	execHandle, err := a.rt.CreateExecEnv(instHandle, a.cfg.WorkerStackSize)
	if err != nil {
		a.rt.DestroyInstance(instHandle)
		a.rt.DestroyModule(modHandle)
		a.pool.Release(size)
		a.respond("LOAD_ERR code=NO_EXEC_ENV")
		return
	}

	s := a.table.At(idx)
	s.Lock()
	s.Used = true
	s.ModuleID = moduleID
	s.State = slot.Loaded
	s.Bytecode = buf
	s.WasmSize = size
	s.ModuleHandle = modHandle
	s.InstanceHandle = instHandle
	s.ExecEnvHandle = execHandle
	s.Busy = false
	s.StopRequestedFlag = false
	s.TerminateRequestedFlag = false
	s.Unlock()

	if victimIgnored {
		a.respond("LOAD_OK warn=VICTIM_IGNORED replace_victim=%s", victimID)
		return
	}
	a.respond("LOAD_OK")
}
