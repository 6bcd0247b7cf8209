package wasmruntime

import "sync"

// HeapPool models the fixed-size host-allocated memory pool handed to the
// runtime at startup. wazero's guest linear memory is backed by the Go heap
// regardless, so this pool exists purely for admission accounting: it is
// what LOAD and START consult to decide NO_MEM, and what STATUS reports as
// wamr_used/wamr_free.
type HeapPool struct {
	mu sync.Mutex

	total    uint32
	used     uint32
	highmark uint32
}

// NewHeapPool returns a pool with total bytes available.
func NewHeapPool(total uint32) *HeapPool {
	return &HeapPool{total: total}
}

// Reserve accounts for size bytes being committed to a module (LOAD
// reserves the declared bytecode size). It returns
// false, reserving nothing, if size would exceed the pool's remaining
// capacity.
func (p *HeapPool) Reserve(size uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used+size > p.total {
		return false
	}
	p.used += size
	if p.used > p.highmark {
		p.highmark = p.used
	}
	return true
}

// Release gives back size bytes previously reserved, clamped to the
// amount currently in use.
func (p *HeapPool) Release(size uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.used {
		size = p.used
	}
	p.used -= size
}

// Info reports current accounting for STATUS.
func (p *HeapPool) Info() HeapInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return HeapInfo{
		Total:    p.total,
		Free:     p.total - p.used,
		Used:     p.used,
		Highmark: p.highmark,
	}
}
