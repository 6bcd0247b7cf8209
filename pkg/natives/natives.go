// Package natives implements the Native Capability Table (C4): the host
// functions modules import from "env", and the mutexes that keep their
// shared peripherals from tearing.
package natives

import (
	"context"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// slotKeyType is the context key natives use to find out which slot the
// calling instance belongs to, so should_stop can answer for the right
// slot without the module ever passing its own identity as an argument.
type slotKeyType struct{}

var slotKey = slotKeyType{}

// WithSlotIndex returns a context carrying idx, for use as the parent
// context.Context passed to wasmruntime.Runtime.Instantiate.
func WithSlotIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, slotKey, idx)
}

func slotIndexFromContext(ctx context.Context) (int, bool) {
	idx, ok := ctx.Value(slotKey).(int)
	return idx, ok
}

// StopQuerier answers whether the slot at idx currently has
// stop_requested set. The slot table implements it.
type StopQuerier interface {
	StopRequested(idx int) bool
}

// Indicator drives the on-board indicator pin (GPIO or LED). Set and Clear
// are called back-to-back under gpioMu, so a real implementation need not
// be internally synchronized.
type Indicator interface {
	Set()
	Clear()
}

// Deps bundles what the native functions need from the rest of the agent.
type Deps struct {
	UART    UARTWriter
	Stopper StopQuerier
	LED     Indicator
}

// UARTWriter is the serial write path, shared with response-line writing
// so uart_print output is never interleaved with RESULT/STATUS lines.
type UARTWriter interface {
	WriteLocked(p []byte) (int, error)
	Lock()
	Unlock()
}

// Register builds the "env" host module's exported functions onto
// builder. Pass the result to wasmruntime.New as the EnvBuilder.
func Register(deps Deps) func(builder wazero.HostModuleBuilder) {
	var gpioMu sync.Mutex

	return func(builder wazero.HostModuleBuilder) {
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module) {
				gpioMu.Lock()
				defer gpioMu.Unlock()
				if deps.LED != nil {
					deps.LED.Set()
				}
				time.Sleep(time.Second)
				if deps.LED != nil {
					deps.LED.Clear()
				}
			}).
			Export("gpio_toggle")

		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, durationMs uint32) {
				gpioMu.Lock()
				defer gpioMu.Unlock()
				if deps.LED != nil {
					deps.LED.Set()
				}
				time.Sleep(time.Duration(durationMs) * time.Millisecond)
				if deps.LED != nil {
					deps.LED.Clear()
				}
			}).
			Export("led_toggle")

		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, offset uint32) {
				s, ok := readCString(mod, offset)
				if !ok {
					// Invalid address: no write and no sleep; the panic
					// surfaces as an exception from the module's call.
					panic("uart_print: offset does not address a NUL-terminated string")
				}
				if deps.UART != nil {
					deps.UART.Lock()
					deps.UART.WriteLocked([]byte(s))
					deps.UART.Unlock()
				}
				time.Sleep(time.Second)
			}).
			Export("uart_print")

		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module) uint32 {
				idx, ok := slotIndexFromContext(ctx)
				if !ok || deps.Stopper == nil {
					return 0
				}
				if deps.Stopper.StopRequested(idx) {
					return 1
				}
				return 0
			}).
			Export("should_stop")
	}
}

// readCString validates that offset addresses a legal NUL-terminated
// region of mod's exported memory and returns it without the NUL, or
// ok=false if the address or the scan ran off the end of memory.
func readCString(mod api.Module, offset uint32) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	size := mem.Size()
	if offset >= size {
		return "", false
	}
	const maxLen = 4096
	for n := uint32(0); n < maxLen; n++ {
		b, ok := mem.ReadByte(offset + n)
		if !ok {
			return "", false
		}
		if b == 0 {
			buf, ok := mem.Read(offset, n)
			if !ok {
				return "", false
			}
			return string(buf), true
		}
	}
	return "", false
}
