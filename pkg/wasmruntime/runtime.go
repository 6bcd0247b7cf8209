// Package wasmruntime defines the abstract module-runtime surface the agent
// core needs (C3) and a concrete implementation backed by
// github.com/tetratelabs/wazero, a pure-Go WebAssembly sandbox. The core
// never imports wazero directly — only this interface.
package wasmruntime

import "context"

// ModuleHandle, InstanceHandle, ExecEnvHandle and FunctionHandle are opaque
// handles owned by the runtime implementation. The core stores them but
// never inspects them.
type (
	ModuleHandle   interface{}
	InstanceHandle interface{}
	ExecEnvHandle  interface{}
	FunctionHandle interface{}
)

// HeapInfo mirrors wasm_runtime_get_mem_alloc_info's total/free/used/
// highmark quadruple.
type HeapInfo struct {
	Total    uint32
	Free     uint32
	Used     uint32
	Highmark uint32
}

// Runtime is the abstract capability set C3 requires from any sandbox
// runtime: load, instantiate, lookup, invoke, terminate, destroy.
type Runtime interface {
	Load(bytecode []byte) (ModuleHandle, error)

	// Instantiate creates a fresh instance of mod. ctx becomes the parent
	// of the instance's own cancelable context, so a caller that stashes
	// values on ctx (e.g. a slot index natives need to resolve should_stop
	// against) finds them reachable from inside any native call the
	// instance makes.
	Instantiate(ctx context.Context, mod ModuleHandle, stackSize, heapSize uint32) (InstanceHandle, error)
	CreateExecEnv(inst InstanceHandle, stackSize uint32) (ExecEnvHandle, error)
	Lookup(inst InstanceHandle, name string) (FunctionHandle, bool)
	ResultCount(fn FunctionHandle, inst InstanceHandle) int

	// Invoke calls fn with argv as arguments, independent of how many
	// results fn returns. On success, hasResult reports whether fn
	// produced a 32-bit result (result holds it if so) — this is driven
	// by the function's own signature, not by len(argv). A non-nil error
	// means the runtime raised an exception; its text is also retrievable
	// from GetException until ClearException runs.
	Invoke(env ExecEnvHandle, fn FunctionHandle, argv []uint32) (result uint32, hasResult bool, ok bool, err error)

	GetException(inst InstanceHandle) (string, bool)
	ClearException(inst InstanceHandle)

	// Terminate requests cooperative cancellation of whatever is running
	// inside inst. The in-flight Invoke (if any) returns promptly with an
	// exception whose text contains "terminated".
	Terminate(inst InstanceHandle)

	DestroyExecEnv(env ExecEnvHandle)
	DestroyInstance(inst InstanceHandle)
	DestroyModule(mod ModuleHandle)

	// InitThreadEnv/DestroyThreadEnv bracket a worker goroutine's
	// lifetime, mirroring wasm_runtime_init_thread_env/destroy_thread_env.
	InitThreadEnv() error
	DestroyThreadEnv()

	// HeapInfo reports the host-allocated pool's accounting, or ok=false
	// if the runtime cannot report it (STATUS then prints wamr_heap=NA).
	HeapInfo() (HeapInfo, bool)
}
