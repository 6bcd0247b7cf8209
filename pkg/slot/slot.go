// Package slot implements the Module Slot Table (C5): a fixed-size table
// of module slots, each owning a worker goroutine, a job signal, a
// persistent invocation environment, and a stop-escalation timer.
package slot

import (
	"sync"
	"time"

	"github.com/wasmagent/agent/pkg/wasmruntime"
)

// State is a slot's lifecycle state.
type State int

const (
	Empty State = iota
	Loaded
	Running
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Loaded:
		return "LOADED"
	case Running:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Request is a snapshot of the function and arguments a worker should
// invoke, populated by START and consumed by the slot's worker.
type Request struct {
	Func string
	Argv [4]uint32
	Argc int
}

// Slot is one entry of the fixed-size module table.
type Slot struct {
	mu sync.Mutex

	Used     bool
	ModuleID string
	State    State
	Bytecode []byte
	WasmSize uint32

	ModuleHandle   wasmruntime.ModuleHandle
	InstanceHandle wasmruntime.InstanceHandle
	ExecEnvHandle  wasmruntime.ExecEnvHandle

	PendingRequest Request
	Busy           bool

	StopRequestedFlag      bool
	TerminateRequestedFlag bool

	// JobSignal is the binary semaphore the dispatcher signals and the
	// worker waits on; buffered 1 so a signal sent just before the worker
	// starts waiting is not lost. A forced-stop rebuild replaces this
	// with a fresh channel bound to the replacement worker goroutine, so
	// the abandoned goroutine is left listening on a channel nobody will
	// signal again instead of racing the new one for deliveries.
	JobSignal chan struct{}

	// StopGeneration increments every time the slot is forcibly rebuilt
	// (LOAD replacement or hard-stop escalation). A worker snapshots it
	// before invoking and compares again afterward: a mismatch means the
	// slot was rebuilt out from under it, so it must not emit its own
	// RESULT (the rebuilder already emitted one).
	StopGeneration int

	// StopTimer is the pending stop-escalation delayed work item, armed
	// by STOP and cancelled by the worker on completion.
	StopTimer *time.Timer
}

// New returns an Empty slot ready for allocation.
func New() *Slot {
	return &Slot{
		State:     Empty,
		JobSignal: make(chan struct{}, 1),
	}
}

// Lock/Unlock expose the slot's own mutex for callers (the dispatcher,
// the worker, the escalation timer) that need to read or mutate more than
// one field atomically.
func (s *Slot) Lock()   { s.mu.Lock() }
func (s *Slot) Unlock() { s.mu.Unlock() }

// Signal wakes the slot's current worker, dropping the signal if one is
// already pending (the worker only ever needs to know "there is work",
// not how many times it was signalled).
func (s *Slot) Signal() {
	s.mu.Lock()
	ch := s.JobSignal
	s.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Reset clears a slot back to Empty, releasing its handles. Callers must
// hold the slot's lock and must have already destroyed the handles
// through the runtime adapter.
func (s *Slot) Reset() {
	s.Used = false
	s.ModuleID = ""
	s.State = Empty
	s.Bytecode = nil
	s.WasmSize = 0
	s.ModuleHandle = nil
	s.InstanceHandle = nil
	s.ExecEnvHandle = nil
	s.PendingRequest = Request{}
	s.Busy = false
	s.StopRequestedFlag = false
	s.TerminateRequestedFlag = false
	s.StopGeneration++
	if s.StopTimer != nil {
		s.StopTimer.Stop()
		s.StopTimer = nil
	}
}

// Table is the fixed-size slot table shared by the dispatcher, the
// workers, and the stop-escalation timers.
type Table struct {
	// LoadMu is the global load-mutex: LOAD holds it for the whole
	// command, and the stop-escalation path reacquires it when it
	// forcibly rebuilds a slot. START and STOP never take it.
	LoadMu sync.Mutex

	slots []*Slot
}

// NewTable returns a table of n Empty slots.
func NewTable(n int) *Table {
	t := &Table{slots: make([]*Slot, n)}
	for i := range t.slots {
		t.slots[i] = New()
	}
	return t
}

// Len returns the number of slots in the table.
func (t *Table) Len() int { return len(t.slots) }

// At returns the slot at index idx.
func (t *Table) At(idx int) *Slot { return t.slots[idx] }

// Find returns the index of the slot holding id, or -1 if none does.
// Callers needing a consistent view across Find+mutate should hold
// LoadMu.
func (t *Table) Find(id string) int {
	for i, s := range t.slots {
		s.Lock()
		used, mid := s.Used, s.ModuleID
		s.Unlock()
		if used && mid == id {
			return i
		}
	}
	return -1
}

// AllocFree returns the index of the first unused slot, or -1 if the
// table is full.
func (t *Table) AllocFree() int {
	for i, s := range t.slots {
		s.Lock()
		used := s.Used
		s.Unlock()
		if !used {
			return i
		}
	}
	return -1
}

// StopRequested implements natives.StopQuerier: it answers whether the
// slot at idx currently has its cooperative stop flag set.
func (t *Table) StopRequested(idx int) bool {
	if idx < 0 || idx >= len(t.slots) {
		return false
	}
	s := t.slots[idx]
	s.Lock()
	defer s.Unlock()
	return s.StopRequestedFlag
}

// Snapshot describes a slot for STATUS without exposing its lock.
type Snapshot struct {
	Used     bool
	ModuleID string
	State    State
	WasmSize uint32
}

// Snapshot returns a lock-free-to-read copy of the slot at idx.
func (t *Table) Snapshot(idx int) Snapshot {
	s := t.slots[idx]
	s.Lock()
	defer s.Unlock()
	return Snapshot{Used: s.Used, ModuleID: s.ModuleID, State: s.State, WasmSize: s.WasmSize}
}
