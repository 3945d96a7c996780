package hlog

import "runtime"

// LogAccessor is the thin, user-visible façade over the allocator: it
// wraps every allocator shift in epoch protection and, when asked, spins
// on the matching progress condition rather than returning as soon as
// the cursor itself moves.
type LogAccessor struct {
	alloc *Allocator
	epoch *EpochManager
}

func NewLogAccessor(alloc *Allocator, epoch *EpochManager) *LogAccessor {
	return &LogAccessor{alloc: alloc, epoch: epoch}
}

func (a *LogAccessor) BeginAddress() Address        { return a.alloc.BeginAddress() }
func (a *LogAccessor) HeadAddress() Address         { return a.alloc.HeadAddress() }
func (a *LogAccessor) SafeHeadAddress() Address     { return a.alloc.SafeHeadAddress() }
func (a *LogAccessor) ReadOnlyAddress() Address     { return a.alloc.ReadOnlyAddress() }
func (a *LogAccessor) SafeReadOnlyAddress() Address { return a.alloc.SafeReadOnlyAddress() }
func (a *LogAccessor) TailAddress() Address         { return a.alloc.GetTailAddress() }
func (a *LogAccessor) FlushedUntilAddress() Address { return a.alloc.FlushedUntilAddress() }
func (a *LogAccessor) ClosedUntilAddress() Address  { return a.alloc.ClosedUntilAddress() }

// withProtection runs fn while epoch-protected, guarding against
// re-entrant protection the same way re-entrant latch acquisition is
// guarded against: check ThisInstanceProtected first, and only wrap in
// Protect/Suspend if not already inside one.
func (a *LogAccessor) withProtection(fn func()) {
	if a.epoch.ThisInstanceProtected() {
		fn()
		return
	}
	a.epoch.Protect()
	defer a.epoch.Suspend()
	fn()
}

// spinUntil busy-waits for cond, cooperatively draining epoch actions if
// the caller is already protected (so it can never deadlock against its
// own protection), otherwise yielding the goroutine between checks.
func (a *LogAccessor) spinUntil(cond func() bool) {
	for !cond() {
		if a.epoch.ThisInstanceProtected() {
			a.epoch.ProtectAndDrain()
		} else {
			runtime.Gosched()
		}
	}
}

// ShiftBeginAddress raises BeginAddress to until. If snapToPageStart,
// until is rounded down to the nearest page boundary first.
func (a *LogAccessor) ShiftBeginAddress(until Address, snapToPageStart, truncateLog bool) {
	if snapToPageStart {
		until = Address(alignDown(uint64(until), uint64(a.alloc.ring.pageSize)))
	}
	a.withProtection(func() {
		a.alloc.ShiftBeginAddress(until, truncateLog)
	})
}

// Truncate is a shortcut: shift BeginAddress to itself with truncation
// requested, physically discarding the on-device prefix below it.
func (a *LogAccessor) Truncate() {
	a.withProtection(func() {
		a.alloc.ShiftBeginAddress(a.alloc.BeginAddress(), true)
	})
}

// ShiftReadOnlyAddress raises ReadOnlyAddress to newRo. If wait, blocks
// until FlushedUntilAddress has caught up to newRo.
func (a *LogAccessor) ShiftReadOnlyAddress(newRo Address, wait bool) {
	a.withProtection(func() {
		a.alloc.ShiftReadOnlyAddress(newRo)
	})
	if wait {
		a.spinUntil(func() bool { return a.alloc.FlushedUntilAddress() >= newRo })
	}
}

// ShiftHeadAddress raises HeadAddress to newHead, preceded by a
// forced-wait read-only shift to newHead (HeadAddress can never pass
// ReadOnlyAddress). If wait, blocks until SafeHeadAddress reaches newHead.
func (a *LogAccessor) ShiftHeadAddress(newHead Address, wait bool) {
	a.ShiftReadOnlyAddress(newHead, true)
	a.withProtection(func() {
		a.alloc.ShiftHeadAddress(newHead)
	})
	if wait {
		a.spinUntil(func() bool { return a.alloc.SafeHeadAddress() >= newHead })
	}
}

// Flush shifts ReadOnlyAddress to the current tail.
func (a *LogAccessor) Flush(wait bool) {
	a.ShiftReadOnlyAddress(a.alloc.GetTailAddress(), wait)
}

// FlushAndEvict shifts HeadAddress to the current tail.
func (a *LogAccessor) FlushAndEvict(wait bool) {
	a.ShiftHeadAddress(a.alloc.GetTailAddress(), wait)
}

// DisposeFromMemory flushes and evicts everything, waiting for it to
// complete, then releases the allocator's pages. Subsequent allocations
// fail; double-Dispose and use-after-Dispose are programmer error.
func (a *LogAccessor) DisposeFromMemory() {
	a.FlushAndEvict(true)
	a.alloc.DeleteFromMemory()
}

// Scan produces an iterator over [begin, end).
func (a *LogAccessor) Scan(begin, end Address, mode BufferingMode) *Iterator {
	return a.alloc.Scan(begin, end, mode)
}

// Subscribe installs the read-only-transition observer.
func (a *LogAccessor) Subscribe(obs ReadOnlyObserver) func() { return a.alloc.Subscribe(obs) }

// SubscribeEvictions installs the eviction observer.
func (a *LogAccessor) SubscribeEvictions(obs EvictionObserver) func() {
	return a.alloc.SubscribeEvictions(obs)
}

// SetEmptyPageCount adjusts the ring's reserved-empty slot count.
func (a *LogAccessor) SetEmptyPageCount(count int, wait bool) {
	a.withProtection(func() {
		a.alloc.SetEmptyPageCount(count, wait)
	})
}

// SetCheckpointing sets the allocator's checkpointing flag and forces an
// epoch bump so in-flight operations observe the new regime on their
// next re-protect.
func (a *LogAccessor) SetCheckpointing(v bool) {
	a.alloc.SetCheckpointing(v)
}

func (a *LogAccessor) IsCheckpointing() bool   { return a.alloc.IsCheckpointing() }
func (a *LogAccessor) CheckpointEpoch() uint64 { return a.alloc.CheckpointEpoch() }
