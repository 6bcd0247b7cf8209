// Package agent implements the Command Dispatcher (C6), Slot Worker (C7)
// and Stop Escalation Timer (C8): the parts of the system that turn
// parsed command lines into slot-table mutations, runtime invocations,
// and response lines.
package agent

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wasmagent/agent/pkg/frameio"
	"github.com/wasmagent/agent/pkg/proto"
	"github.com/wasmagent/agent/pkg/slot"
	"github.com/wasmagent/agent/pkg/telemetry"
	"github.com/wasmagent/agent/pkg/wasmruntime"
)

// Config holds the tunables §9's open questions ask implementers to make
// configurable, plus the identity fields HELLO reports at startup.
type Config struct {
	SlotCount int

	WorkerStackSize uint32
	WorkerHeapSize  uint32

	// StartGuardHaveExecEnv/StartGuardNeedExecEnv are the free-pool-byte
	// thresholds START's admission check compares against, depending on
	// whether the target slot already has a cached exec_env.
	StartGuardHaveExecEnv uint32
	StartGuardNeedExecEnv uint32

	BinaryTimeout  time.Duration
	StopForceDelay time.Duration

	// WorkerStackBudget/WorkerStackInUseEstimate model STATUS's
	// stack_free accounting: Go goroutines have growable stacks with no
	// fixed budget to report, so a slot's "stack free" is the configured
	// budget minus a fixed in-use estimate while RUNNING, and the full
	// budget while idle.
	WorkerStackBudget        uint32
	WorkerStackInUseEstimate uint32
	LowStackThreshold        uint32

	DeviceID    string
	RTOSName    string
	RuntimeName string
	FWVersion   string
}

// DefaultConfig returns the values the original firmware's constants
// section used, translated to this host's units.
func DefaultConfig() Config {
	return Config{
		SlotCount:                2,
		WorkerStackSize:          8192,
		WorkerHeapSize:           65536,
		StartGuardHaveExecEnv:    4096,
		StartGuardNeedExecEnv:    8192,
		BinaryTimeout:            5 * time.Second,
		StopForceDelay:           1200 * time.Millisecond,
		WorkerStackBudget:        8192,
		WorkerStackInUseEstimate: 7800,
		LowStackThreshold:        512,
		DeviceID:                 "wasmagent",
		RTOSName:                 "goroutine-rtos",
		RuntimeName:              "wazero",
		FWVersion:                "1.0.0",
	}
}

// Agent owns the whole runtime state: the slot table, the runtime
// adapter, the serial decoder, the shared UART write path, and an
// optional telemetry mirror.
type Agent struct {
	cfg Config

	rt      wasmruntime.Runtime
	pool    *wasmruntime.HeapPool
	decoder *frameio.Decoder
	table   *slot.Table
	uart    *UARTBridge
	mirror  telemetry.Mirror

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires an Agent from its already-constructed parts. table is
// constructed by the caller (main) because natives.Register needs it as
// a StopQuerier before the runtime adapter — and therefore its "env"
// host module — can be built.
func New(cfg Config, rt wasmruntime.Runtime, pool *wasmruntime.HeapPool, decoder *frameio.Decoder, table *slot.Table, uart *UARTBridge, mirror telemetry.Mirror) *Agent {
	return &Agent{
		cfg:     cfg,
		rt:      rt,
		pool:    pool,
		decoder: decoder,
		table:   table,
		uart:    uart,
		mirror:  mirror,
		stopCh:  make(chan struct{}),
	}
}

// Table exposes the slot table so callers (natives.StopQuerier wiring,
// tests) can reach it without a second construction path.
func (a *Agent) Table() *slot.Table { return a.table }

// Hello emits the single unannounced startup line the wire protocol
// promises.
func (a *Agent) Hello() {
	a.respond("HELLO device_id=%s rtos=%s runtime=%s fw_version=%s",
		a.cfg.DeviceID, a.cfg.RTOSName, a.cfg.RuntimeName, a.cfg.FWVersion)
}

// Run spawns one worker goroutine per slot and begins reading command
// lines. It returns once Stop is called or the decoder's line channel
// closes.
func (a *Agent) Run() {
	for i := 0; i < a.table.Len(); i++ {
		a.startWorker(i)
	}
	for {
		select {
		case <-a.stopCh:
			return
		case raw, ok := <-a.decoder.Lines():
			if !ok {
				return
			}
			a.dispatch(string(raw))
		}
	}
}

// Stop signals shutdown and waits for every worker goroutine started so
// far, including ones orphaned by a rebuild (see slot.Slot.StopGeneration).
// An idle worker returns as soon as stopCh closes; a worker still inside
// Invoke returns only after that call does, and its late RESULT is
// discarded.
func (a *Agent) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Dispatch processes raw exactly as if it had arrived over the serial
// line. Exported so an alternate command source (the Redis command relay
// wired in cmd/agent/main.go) can drive the same command handling.
func (a *Agent) Dispatch(raw string) {
	a.dispatch(raw)
}

func (a *Agent) dispatch(raw string) {
	l := proto.ParseLine(raw)
	switch l.Command {
	case "":
		return
	case "LOAD":
		a.handleLoad(l)
	case "START":
		a.handleStart(l)
	case "STOP":
		a.handleStop(l)
	case "STATUS":
		a.handleStatus()
	default:
		a.respond("ERROR code=UNKNOWN_COMMAND")
	}
}

// respond writes one response line to the serial device under the
// shared UART mutex (the same mutex uart_print uses, so agent-originated
// and module-originated output are never interleaved) and, best-effort,
// mirrors it to telemetry.
func (a *Agent) respond(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...) + "\n"
	a.uart.Lock()
	a.uart.WriteLocked([]byte(line))
	a.uart.Unlock()
	if a.mirror != nil {
		a.mirror.Publish(line[:len(line)-1])
	}
}

func (a *Agent) startWorker(idx int) {
	s := a.table.At(idx)
	ch := make(chan struct{}, 1)
	s.Lock()
	s.JobSignal = ch
	s.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runWorker(idx, ch)
	}()
}

// cleanupSlot destroys everything a slot owns and resets it to Empty. If
// the slot is busy, its instance is terminated and its worker orphaned
// (via a generation bump) before teardown, since LOAD replacement — unlike
// stop escalation — never needs to keep module_handle/bytecode around. A
// fresh worker goroutine is always started for the slot before returning,
// mirroring escalate()'s own pattern in stop.go: the slot must have a
// worker servicing its JobSignal channel again before the caller (LOAD)
// can populate it and accept a subsequent START. A busy slot's aborted job
// gets its one RESULT here, as a forced stop.
func (a *Agent) cleanupSlot(idx int) {
	s := a.table.At(idx)
	s.Lock()
	busy := s.Busy
	moduleID := s.ModuleID
	funcName := s.PendingRequest.Func
	modHandle := s.ModuleHandle
	instHandle := s.InstanceHandle
	execHandle := s.ExecEnvHandle
	wasmSize := s.WasmSize
	s.StopGeneration++
	s.Unlock()

	if busy && instHandle != nil {
		a.rt.Terminate(instHandle)
	}
	if execHandle != nil {
		a.rt.DestroyExecEnv(execHandle)
	}
	if instHandle != nil {
		a.rt.DestroyInstance(instHandle)
	}
	if modHandle != nil {
		a.rt.DestroyModule(modHandle)
	}
	if wasmSize > 0 {
		a.pool.Release(wasmSize)
	}

	s.Lock()
	s.Reset()
	s.Unlock()

	a.startWorker(idx)

	if busy {
		a.respond("RESULT status=STOPPED forced=1 module_id=%s func=%s", moduleID, funcName)
	}
}

// UARTBridge is the one serial write path shared between response lines
// and the uart_print native, guarded by a single mutex so output from
// either source is never interleaved on the wire.
type UARTBridge struct {
	mu sync.Mutex
	w  io.Writer
}

// NewUARTBridge wraps w as a mutex-guarded write path.
func NewUARTBridge(w io.Writer) *UARTBridge {
	return &UARTBridge{w: w}
}

func (b *UARTBridge) Lock()   { b.mu.Lock() }
func (b *UARTBridge) Unlock() { b.mu.Unlock() }

// WriteLocked writes p; the caller must already hold the bridge's lock.
func (b *UARTBridge) WriteLocked(p []byte) (int, error) {
	return b.w.Write(p)
}
