package hlog

import (
	"runtime"
	"sync/atomic"
)

// SpinLatch is a CAS spin-latch: a write-only mutual exclusion primitive
// for short, non-blocking critical sections. Used here to guard the
// epoch manager's drain queue and the allocator's tail-bump/page-closure
// decision.
type SpinLatch struct {
	held uint32
}

func (s *SpinLatch) SpinWriteLock() {
	for !atomic.CompareAndSwapUint32(&s.held, 0, 1) {
		runtime.Gosched()
	}
}

func (s *SpinLatch) SpinWriteTry() bool {
	return atomic.CompareAndSwapUint32(&s.held, 0, 1)
}

func (s *SpinLatch) SpinReleaseWrite() {
	atomic.StoreUint32(&s.held, 0)
}
