package hlog

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// epochTableSize is the fixed thread-entry table size, the same shape as
// BufMgr's fixed-size latch/hash table (HashEntry -> Latchs chained by
// slot.next): a goroutine hashes to a slot and, on collision, probes
// forward instead of growing unboundedly.
const epochTableSize = 128

type drainAction struct {
	epoch  uint64
	action func()
}

type epochEntry struct {
	goid       int64  // atomic; owning goroutine id, 0 = free slot
	localEpoch uint64 // atomic; 0 = not protected
	depth      int32  // atomic; reentrant protect depth
}

// EpochManager is the grace-period primitive: readers Protect/Suspend
// around a critical section, writers BumpCurrentEpoch with a deferred
// action that fires only once every thread active in the prior epoch has
// suspended or moved on.
type EpochManager struct {
	current   uint64 // atomic
	entries   [epochTableSize]epochEntry
	drainLock SpinLatch
	drains    []drainAction
}

func NewEpochManager() *EpochManager {
	em := &EpochManager{}
	atomic.StoreUint64(&em.current, 1)
	return em
}

// currentGoroutineID parses runtime.Stack's "goroutine N [...]:" header.
// Go has no native goroutine-local storage; this is the standard
// workaround for keying a per-goroutine epoch entry.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

func (em *EpochManager) slotFor(goid int64) *epochEntry {
	idx := uint64(goid) % epochTableSize
	for i := uint64(0); i < epochTableSize; i++ {
		e := &em.entries[(idx+i)%epochTableSize]
		if atomic.LoadInt64(&e.goid) == goid {
			return e
		}
		if atomic.CompareAndSwapInt64(&e.goid, 0, goid) {
			return e
		}
	}
	panic("hlog: epoch thread table exhausted")
}

// ThisInstanceProtected reports whether the calling goroutine already
// holds protection. The log accessor checks this before wrapping a call
// in Protect/Suspend, to avoid re-entrant double-protection.
func (em *EpochManager) ThisInstanceProtected() bool {
	e := em.slotFor(currentGoroutineID())
	return atomic.LoadInt32(&e.depth) > 0
}

// Protect marks the calling goroutine active in the current epoch. Must
// be balanced with Suspend; reentrant.
func (em *EpochManager) Protect() {
	e := em.slotFor(currentGoroutineID())
	if atomic.AddInt32(&e.depth, 1) == 1 {
		atomic.StoreUint64(&e.localEpoch, atomic.LoadUint64(&em.current))
	}
}

// Suspend marks the calling goroutine inactive, attempting a drain pass
// once the reentrant depth reaches zero.
func (em *EpochManager) Suspend() {
	e := em.slotFor(currentGoroutineID())
	if atomic.AddInt32(&e.depth, -1) == 0 {
		atomic.StoreUint64(&e.localEpoch, 0)
		em.tryDrain()
	}
}

// BumpCurrentEpoch advances the global epoch and schedules action to run
// once every thread protected in the prior epoch has suspended or moved
// to a later one. Returns the new current epoch.
func (em *EpochManager) BumpCurrentEpoch(action func()) uint64 {
	prior := atomic.AddUint64(&em.current, 1) - 1
	if action != nil {
		em.drainLock.SpinWriteLock()
		em.drains = append(em.drains, drainAction{epoch: prior, action: action})
		em.drainLock.SpinReleaseWrite()
	}
	em.tryDrain()
	return prior + 1
}

// ProtectAndDrain is Suspend+Protect, but guaranteed to run any drain
// action whose condition is now satisfied before re-protecting. The
// cooperative variant of a wait: a caller already protected calls this
// instead of blocking outright, so it never deadlocks against its own
// protection.
func (em *EpochManager) ProtectAndDrain() {
	e := em.slotFor(currentGoroutineID())
	atomic.StoreUint64(&e.localEpoch, 0)
	em.tryDrain()
	atomic.StoreUint64(&e.localEpoch, atomic.LoadUint64(&em.current))
	atomic.CompareAndSwapInt32(&e.depth, 0, 1)
}

func (em *EpochManager) tryDrain() {
	em.drainLock.SpinWriteLock()
	defer em.drainLock.SpinReleaseWrite()
	if len(em.drains) == 0 {
		return
	}
	remaining := em.drains[:0]
	for _, d := range em.drains {
		if em.safeToFire(d.epoch) {
			d.action()
		} else {
			remaining = append(remaining, d)
		}
	}
	em.drains = remaining
}

// safeToFire reports whether every currently-registered thread has
// either suspended or moved past epoch.
func (em *EpochManager) safeToFire(epoch uint64) bool {
	for i := range em.entries {
		le := atomic.LoadUint64(&em.entries[i].localEpoch)
		if le != 0 && le <= epoch {
			return false
		}
	}
	return true
}
