package chronicle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// IntRef is a 32-bit word inside a mapped store, shared with every process
// mapping the same file. All accesses are atomic.
type IntRef struct {
	mem []byte
	off int
}

func newIntRef(mem []byte, off int) IntRef {
	if off%4 != 0 {
		panic(fmt.Sprintf("int ref at unaligned offset %d", off))
	}
	return IntRef{mem: mem, off: off}
}

func (r IntRef) ptr() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[r.off]))
}

func (r IntRef) Get() uint32 {
	return atomic.LoadUint32(r.ptr())
}

func (r IntRef) Set(v uint32) {
	atomic.StoreUint32(r.ptr(), v)
}

func (r IntRef) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(r.ptr(), old, new)
}

// LongRef is a 64-bit word inside a mapped store.
type LongRef struct {
	mem []byte
	off int
}

func newLongRef(mem []byte, off int) LongRef {
	if off%8 != 0 {
		panic(fmt.Sprintf("long ref at unaligned offset %d", off))
	}
	return LongRef{mem: mem, off: off}
}

func (r LongRef) ptr() *int64 {
	return (*int64)(unsafe.Pointer(&r.mem[r.off]))
}

func (r LongRef) Get() int64 {
	return atomic.LoadInt64(r.ptr())
}

func (r LongRef) Set(v int64) {
	atomic.StoreInt64(r.ptr(), v)
}

func (r LongRef) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64(r.ptr(), old, new)
}

// SetMax raises the value to v unless it is already at least v. It reports
// whether this call changed the value.
func (r LongRef) SetMax(v int64) bool {
	for {
		cur := r.Get()
		if cur >= v {
			return false
		}
		if r.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// LongArrayRef is a fixed run of 64-bit words.
type LongArrayRef struct {
	mem []byte
	off int
	n   int
}

func newLongArrayRef(mem []byte, off, n int) LongArrayRef {
	return LongArrayRef{mem: mem, off: off, n: n}
}

func (r LongArrayRef) Len() int {
	return r.n
}

func (r LongArrayRef) At(i int) LongRef {
	if i < 0 || i >= r.n {
		panic(fmt.Sprintf("long array index %d out of range [0, %d)", i, r.n))
	}
	return newLongRef(r.mem, r.off+8*i)
}

// Used is one past the last non-zero entry.
func (r LongArrayRef) Used() int {
	var used int
	for i := 0; i < r.n; i++ {
		if r.At(i).Get() != 0 {
			used = i + 1
		}
	}
	return used
}

// FaultInjector simulates process deaths against the stores a queue opens.
// It is passed through Cfg.Faults and is only meant for tests and tooling.
type FaultInjector struct {
	mu         sync.Mutex
	collecting bool
	stores     []*store
}

func NewFaultInjector() *FaultInjector {
	return &FaultInjector{}
}

// StartCollecting records every store opened from now on.
func (f *FaultInjector) StartCollecting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collecting = true
}

func (f *FaultInjector) collect(s *store) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.collecting {
		return
	}
	for _, seen := range f.stores {
		if seen == s {
			return
		}
	}
	f.stores = append(f.stores, s)
}

// ForceAllToNotComplete rewrites the header and the index arrays of every
// collected store back to not-ready, as if their writers died mid-update.
// It returns how many frames were rewritten.
func (f *FaultInjector) ForceAllToNotComplete() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var forced int
	for _, s := range f.stores {
		if s.isClosed() {
			continue
		}
		forced += s.forceNotComplete()
	}
	return forced
}

// Crash detaches h from its appender without publishing or rolling back, so
// its slot stays not-ready as if the writing process had been killed.
func (f *FaultInjector) Crash(h *WriteHandle) {
	h.crash()
}
