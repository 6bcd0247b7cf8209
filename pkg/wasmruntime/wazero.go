package wasmruntime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var instanceSeq uint64

// EnvBuilder lets a caller (pkg/natives) register host functions into the
// "env" module before any guest module is instantiated.
type EnvBuilder func(builder wazero.HostModuleBuilder)

// WazeroRuntime implements Runtime on top of github.com/tetratelabs/wazero.
// wazero has no native concepts of a "module instance handle" with a
// separately created exec-env or a persistent per-instance exception
// string the way WAMR does; wazeroInstance below models both so the rest
// of the agent can stay oblivious to the substitution.
type WazeroRuntime struct {
	ctx  context.Context
	rt   wazero.Runtime
	pool *HeapPool
}

// New builds a wazero runtime, instantiates the "env" host module via
// configureEnv, and wires pool as the admission-accounting backend for
// HeapInfo.
func New(ctx context.Context, pool *HeapPool, configureEnv EnvBuilder) (*WazeroRuntime, error) {
	// WithCloseOnContextDone(true) is what makes Terminate's context
	// cancellation actually interrupt an in-flight Call: without it,
	// wazero only blocks new calls from starting once the context is
	// done, leaving a module stuck in (for example) a should_stop()
	// polling loop running until it returns on its own.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	builder := rt.NewHostModuleBuilder("env")
	if configureEnv != nil {
		configureEnv(builder)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate env host module: %v", err)
	}
	return &WazeroRuntime{ctx: ctx, rt: rt, pool: pool}, nil
}

// Close tears down the whole wazero runtime, including the env module.
func (w *WazeroRuntime) Close() {
	w.rt.Close(w.ctx)
}

type wazeroModule struct {
	compiled wazero.CompiledModule
}

type wazeroInstance struct {
	mu      sync.Mutex
	mod     api.Module
	lastErr string
	cancel  context.CancelFunc
	ctx     context.Context
}

type wazeroExecEnv struct {
	inst *wazeroInstance
}

type wazeroFunction struct {
	fn api.Function
}

func (w *WazeroRuntime) Load(bytecode []byte) (ModuleHandle, error) {
	compiled, err := w.rt.CompileModule(w.ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %v", err)
	}
	return &wazeroModule{compiled: compiled}, nil
}

func (w *WazeroRuntime) Instantiate(parent context.Context, mod ModuleHandle, stackSize, heapSize uint32) (InstanceHandle, error) {
	mh, ok := mod.(*wazeroModule)
	if !ok {
		return nil, fmt.Errorf("invalid module handle")
	}
	if parent == nil {
		parent = w.ctx
	}
	ctx, cancel := context.WithCancel(parent)
	name := fmt.Sprintf("slot-%d", atomic.AddUint64(&instanceSeq, 1))
	cfg := wazero.NewModuleConfig().WithName(name)
	m, err := w.rt.InstantiateModule(ctx, mh.compiled, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to instantiate module: %v", err)
	}
	return &wazeroInstance{mod: m, cancel: cancel, ctx: ctx}, nil
}

func (w *WazeroRuntime) CreateExecEnv(inst InstanceHandle, stackSize uint32) (ExecEnvHandle, error) {
	ih, ok := inst.(*wazeroInstance)
	if !ok {
		return nil, fmt.Errorf("invalid instance handle")
	}
	// wazero needs no separate exec-env construct; the wrapper exists so
	// callers can keep treating create/destroy exec-env as a distinct
	// lifecycle step, which matters once a slot is reused across START
	// calls without a fresh Instantiate.
	return &wazeroExecEnv{inst: ih}, nil
}

func (w *WazeroRuntime) Lookup(inst InstanceHandle, name string) (FunctionHandle, bool) {
	ih, ok := inst.(*wazeroInstance)
	if !ok {
		return nil, false
	}
	fn := ih.mod.ExportedFunction(name)
	if fn == nil {
		return nil, false
	}
	return &wazeroFunction{fn: fn}, true
}

func (w *WazeroRuntime) ResultCount(fn FunctionHandle, inst InstanceHandle) int {
	fh, ok := fn.(*wazeroFunction)
	if !ok {
		return 0
	}
	return len(fh.fn.Definition().ResultTypes())
}

func (w *WazeroRuntime) Invoke(env ExecEnvHandle, fn FunctionHandle, argv []uint32) (uint32, bool, bool, error) {
	eh, ok := env.(*wazeroExecEnv)
	if !ok {
		return 0, false, false, fmt.Errorf("invalid exec env handle")
	}
	fh, ok := fn.(*wazeroFunction)
	if !ok {
		return 0, false, false, fmt.Errorf("invalid function handle")
	}

	args := make([]uint64, len(argv))
	for i, v := range argv {
		args[i] = uint64(v)
	}

	res, err := fh.fn.Call(eh.inst.ctx, args...)
	if err != nil {
		eh.inst.mu.Lock()
		msg := err.Error()
		if eh.inst.ctx.Err() != nil {
			msg = fmt.Sprintf("module terminated: %v", err)
		}
		eh.inst.lastErr = msg
		eh.inst.mu.Unlock()
		return 0, false, false, fmt.Errorf("%s", msg)
	}

	// Whether there's a result depends on fn's own signature, not on how
	// many arguments were passed in.
	if len(res) > 0 {
		return uint32(res[0]), true, true, nil
	}
	return 0, false, true, nil
}

func (w *WazeroRuntime) GetException(inst InstanceHandle) (string, bool) {
	ih, ok := inst.(*wazeroInstance)
	if !ok {
		return "", false
	}
	ih.mu.Lock()
	defer ih.mu.Unlock()
	if ih.lastErr == "" {
		return "", false
	}
	return ih.lastErr, true
}

func (w *WazeroRuntime) ClearException(inst InstanceHandle) {
	ih, ok := inst.(*wazeroInstance)
	if !ok {
		return
	}
	ih.mu.Lock()
	ih.lastErr = ""
	ih.mu.Unlock()
}

func (w *WazeroRuntime) Terminate(inst InstanceHandle) {
	ih, ok := inst.(*wazeroInstance)
	if !ok {
		return
	}
	ih.cancel()
}

func (w *WazeroRuntime) DestroyExecEnv(env ExecEnvHandle) {
	// No wazero-side resource to release.
}

func (w *WazeroRuntime) DestroyInstance(inst InstanceHandle) {
	ih, ok := inst.(*wazeroInstance)
	if !ok {
		return
	}
	ih.mod.Close(w.ctx)
	ih.cancel()
}

func (w *WazeroRuntime) DestroyModule(mod ModuleHandle) {
	mh, ok := mod.(*wazeroModule)
	if !ok {
		return
	}
	mh.compiled.Close(w.ctx)
}

func (w *WazeroRuntime) InitThreadEnv() error {
	// wazero goroutines need no per-thread registration; WAMR does.
	return nil
}

func (w *WazeroRuntime) DestroyThreadEnv() {}

func (w *WazeroRuntime) HeapInfo() (HeapInfo, bool) {
	if w.pool == nil {
		return HeapInfo{}, false
	}
	return w.pool.Info(), true
}
