package hlog

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ryogrid/hybridlog/interfaces"
)

// ReadOnlyObserver and EvictionObserver are the allocator's two at-most-one
// subscriptions. A later Subscribe silently replaces the previous one:
// last writer wins, no fan-out.
type ReadOnlyObserver func(it *Iterator)
type EvictionObserver func(it *Iterator)

// Allocator is the Hybrid Log Allocator: owner of the page ring, the six
// address cursors, and the shift operations that move them. Its public
// surface is deliberately narrower than the log accessor's: it does the
// work, the accessor adds epoch protection and synchronous waiting
// around it.
type Allocator struct {
	cfg    Config
	addr   addresses
	ring   *pageRing
	epoch  *EpochManager
	device interfaces.DeviceSink

	tailLock SpinLatch // serializes the tail-bump/page-closure decision, like BufMgr.lock

	readOnlyObserver atomic.Value // ReadOnlyObserver
	evictionObserver atomic.Value // EvictionObserver

	checkpointing uint32 // atomic bool
	checkpointEpoch uint64 // atomic

	closed uint32 // atomic bool
}

// NewAllocator creates an allocator over device, starting a fresh log
// (TailAddress = first page).
func NewAllocator(cfg Config, device interfaces.DeviceSink, epoch *EpochManager) *Allocator {
	cfg = cfg.normalized()
	ring := newPageRing(cfg)
	a := &Allocator{
		cfg:    cfg,
		ring:   ring,
		epoch:  epoch,
		device: device,
	}
	start := uint64(ring.pageSize) // page 0 reserved
	atomic.StoreUint64(&a.addr.beginAddress, start)
	atomic.StoreUint64(&a.addr.headAddress, start)
	atomic.StoreUint64(&a.addr.safeHeadAddress, start)
	atomic.StoreUint64(&a.addr.readOnlyAddress, start)
	atomic.StoreUint64(&a.addr.safeReadOnlyAddress, start)
	atomic.StoreUint64(&a.addr.tailAddress, start)
	atomic.StoreUint64(&a.addr.flushedUntilAddress, start)
	atomic.StoreUint64(&a.addr.closedUntilAddress, start)
	a.bindSlot(Address(start))
	if cfg.Verbose {
		Verbose = true
	}
	return a
}

func (a *Allocator) GetTailAddress() Address { return a.addr.TailAddress() }
func (a *Allocator) BeginAddress() Address         { return a.addr.BeginAddress() }
func (a *Allocator) HeadAddress() Address          { return a.addr.HeadAddress() }
func (a *Allocator) SafeHeadAddress() Address      { return a.addr.SafeHeadAddress() }
func (a *Allocator) ReadOnlyAddress() Address      { return a.addr.ReadOnlyAddress() }
func (a *Allocator) SafeReadOnlyAddress() Address  { return a.addr.SafeReadOnlyAddress() }
func (a *Allocator) FlushedUntilAddress() Address  { return a.addr.FlushedUntilAddress() }
func (a *Allocator) ClosedUntilAddress() Address   { return a.addr.ClosedUntilAddress() }

func (a *Allocator) IsClosed() bool { return atomic.LoadUint32(&a.closed) != 0 }

// Allocate bumps TailAddress by the space a record of the given key/value
// lengths needs, inserting skip-padding and waiting for the next page's
// slot to be reclaimable if the current page doesn't have room. Caller
// must already be epoch-protected.
func (a *Allocator) Allocate(keyLen, valueLen int) (Address, error) {
	if a.IsClosed() {
		return 0, ErrAllocatorClosed
	}
	total := uint32(recordInfoSize) + uint32(keyLen) + uint32(valueLen)
	if total > a.ring.pageDataSize {
		return 0, fmt.Errorf("hlog: record of %d bytes exceeds page capacity %d: %w", total, a.ring.pageDataSize, ErrRecordTooLarge)
	}

	a.tailLock.SpinWriteLock()
	defer a.tailLock.SpinReleaseWrite()

	for {
		tail := uint64(a.addr.TailAddress())
		offsetInPage := tail & a.ring.pageMask()
		remaining := uint64(a.ring.pageSize) - offsetInPage

		if remaining < uint64(total) {
			if remaining >= recordInfoSize {
				a.writeSkipRecord(Address(tail), uint32(remaining))
			}
			nextPageStart := alignDown(tail, uint64(a.ring.pageSize)) + uint64(a.ring.pageSize)
			if err := a.awaitPageReady(Address(nextPageStart)); err != nil {
				return 0, err
			}
			atomic.StoreUint64(&a.addr.tailAddress, nextPageStart)
			a.bindSlot(Address(nextPageStart))
			continue
		}

		newTail := tail + uint64(total)
		if !atomic.CompareAndSwapUint64(&a.addr.tailAddress, tail, newTail) {
			continue
		}
		return Address(tail), nil
	}
}

// bindSlot records the address a freshly (re)used ring slot now starts
// at, and clears its lifecycle markers for the new generation.
func (a *Allocator) bindSlot(start Address) {
	slot := a.ring.slot(start)
	st := &a.ring.states[slot]
	atomic.StoreUint64(&st.startAddr, uint64(start))
	st.setFlushed(false)
	st.setClosed(false)
	st.setDirty(false)
}

// awaitPageReady spins until the ring slot the given address maps to has
// been evicted past (HeadAddress beyond its previous generation), so it
// is safe to start writing the new generation there. A clock-eviction
// wait with no clock scan needed, since there is exactly one candidate
// slot (address-indexed, not LRU).
//
// Unlike a passive wait for some other caller's Flush/FlushAndEvict, it
// drives the ReadOnlyAddress/HeadAddress shifts itself every time around
// the loop: real FASTER evicts pages automatically under memory
// pressure, rather than stalling an append indefinitely waiting on a
// shift nobody else is going to make.
func (a *Allocator) awaitPageReady(nextStart Address) error {
	slot := a.ring.slot(nextStart)
	pageSize := Address(a.ring.pageSize)
	for {
		if a.IsClosed() {
			return ErrAllocatorClosed
		}
		st := &a.ring.states[slot]
		prevStart := Address(atomic.LoadUint64(&st.startAddr))
		if prevStart == 0 || prevStart+pageSize <= a.addr.HeadAddress() {
			return nil
		}
		a.autoEvict(prevStart + pageSize)
		if a.epoch.ThisInstanceProtected() {
			a.epoch.ProtectAndDrain()
		} else {
			runtime.Gosched()
		}
	}
}

// autoEvict raises ReadOnlyAddress to target and, once its flush has
// committed, raises HeadAddress to target too, so a stalled Allocate
// makes autonomous progress instead of waiting on a client-driven
// Flush/FlushAndEvict call that may never come.
func (a *Allocator) autoEvict(target Address) {
	if a.addr.ReadOnlyAddress() < target {
		a.ShiftReadOnlyAddress(target)
	}
	if a.addr.HeadAddress() < target && a.addr.FlushedUntilAddress() >= target {
		a.ShiftHeadAddress(target)
	}
}

func (a *Allocator) writeSkipRecord(addr Address, length uint32) {
	page, offset := a.pageAndOffset(addr)
	info := RecordInfo{Valid: false, ValueLength: length - recordInfoSize}
	encodeRecordInfo(info, page.data[offset:offset+recordInfoSize])
}

func (a *Allocator) pageAndOffset(addr Address) (*Page, uint32) {
	slot := a.ring.slot(addr)
	page := a.ring.pages[slot]
	offset := uint32(uint64(addr) & a.ring.pageMask())
	return page, offset
}

// pageGenerationMatches reports whether the ring slot addr maps to still
// holds the generation addr belongs to, rather than a later one that has
// since wrapped the ring around and overwritten it in place.
func (a *Allocator) pageGenerationMatches(addr Address) bool {
	slot := a.ring.slot(addr)
	pageStart := alignDown(uint64(addr), uint64(a.ring.pageSize))
	return atomic.LoadUint64(&a.ring.states[slot].startAddr) == pageStart
}

// WriteRecord fills in the record at addr, previously reserved by
// Allocate. Splitting allocation from the write lets compaction allocate
// the slot, then copy key/value bytes in without holding the tail lock.
func (a *Allocator) WriteRecord(addr Address, info RecordInfo, key, value []byte) {
	page, offset := a.pageAndOffset(addr)
	encodeRecordInfo(info, page.data[offset:offset+recordInfoSize])
	copy(page.data[offset+recordInfoSize:], key)
	copy(page.data[offset+recordInfoSize+uint32(len(key)):], value)
	a.ring.states[a.ring.slot(addr)].setDirty(true)
}

// ReadRecord decodes the record at addr. When addr is still resident (at
// or past HeadAddress, and the ring slot it maps to still holds its own
// generation) it returns borrowed slices into the page buffer, valid
// only until the next shift past addr's page. Otherwise addr has been
// evicted from memory — or its slot has already wrapped around and been
// reused by a newer generation — and the record is faulted in from the
// device instead, returning owned copies.
func (a *Allocator) ReadRecord(addr Address) (RecordInfo, []byte, []byte) {
	if addr >= a.addr.HeadAddress() && a.pageGenerationMatches(addr) {
		page, offset := a.pageAndOffset(addr)
		info := decodeRecordInfo(page.data[offset : offset+recordInfoSize])
		key := page.data[offset+recordInfoSize : offset+recordInfoSize+uint32(info.KeyLength)]
		value := page.data[offset+recordInfoSize+uint32(info.KeyLength) : offset+recordInfoSize+uint32(info.KeyLength)+info.ValueLength]
		return info, key, value
	}
	pageStart := Address(alignDown(uint64(addr), uint64(a.ring.pageSize)))
	return a.readRecordFromDevice(addr, a.readPageFromDevice(pageStart))
}

// readPageFromDevice faults a whole page's worth of bytes in from the
// device at its page-aligned offset, the same granularity flushRange
// wrote it out at.
func (a *Allocator) readPageFromDevice(pageStart Address) []byte {
	buf := make([]byte, a.ring.pageDataSize)
	if _, err := a.device.ReadAt(buf, int64(pageStart)); err != nil {
		errPrintf("hlog: device read at %d failed: %v", pageStart, err)
	}
	return buf
}

// readRecordFromDevice decodes the record at addr out of a page buffer
// already faulted in (by ReadRecord itself, or by an iterator's
// DoublePageBuffering prefetch), copying key/value out since the buffer
// is not retained past this call.
func (a *Allocator) readRecordFromDevice(addr Address, page []byte) (RecordInfo, []byte, []byte) {
	pageStart := alignDown(uint64(addr), uint64(a.ring.pageSize))
	offset := uint32(uint64(addr) - pageStart)
	info := decodeRecordInfo(page[offset : offset+recordInfoSize])
	key := append([]byte(nil), page[offset+recordInfoSize:offset+recordInfoSize+uint32(info.KeyLength)]...)
	value := append([]byte(nil), page[offset+recordInfoSize+uint32(info.KeyLength):offset+recordInfoSize+uint32(info.KeyLength)+info.ValueLength]...)
	return info, key, value
}

// AppendRecord allocates and writes a complete record in one step, the
// operation clients and compaction use to append at the tail.
func (a *Allocator) AppendRecord(key, value []byte, tombstone bool, previous Address) (Address, error) {
	addr, err := a.Allocate(len(key), len(value))
	if err != nil {
		return 0, err
	}
	info := RecordInfo{
		PreviousAddress: previous,
		Tombstone:       tombstone,
		Valid:           true,
		KeyLength:       uint16(len(key)),
		ValueLength:     uint32(len(value)),
	}
	a.WriteRecord(addr, info, key, value)
	return addr, nil
}

// ShiftBeginAddress raises BeginAddress to newBegin (no-op if not an
// advance) and, if truncateLog, asynchronously truncates the device
// below it. Destructive; data loss below newBegin is permitted.
func (a *Allocator) ShiftBeginAddress(newBegin Address, truncateLog bool) {
	if !casMonotone(&a.addr.beginAddress, uint64(newBegin)) {
		return
	}
	if truncateLog {
		go func(until Address) {
			if err := a.device.TruncateBelow(int64(until)); err != nil {
				errPrintf("hlog: truncate below %d failed: %v", until, err)
			}
		}(newBegin)
	}
}

// ShiftReadOnlyAddress raises ReadOnlyAddress to newRo and schedules the
// epoch-bump callback that advances SafeReadOnlyAddress, notifies the
// read-only observer exactly once for the transitioned range, and
// submits flushes for the now-immutable pages.
func (a *Allocator) ShiftReadOnlyAddress(newRo Address) {
	old := a.addr.ReadOnlyAddress()
	if !casMonotone(&a.addr.readOnlyAddress, uint64(newRo)) {
		return
	}
	a.epoch.BumpCurrentEpoch(func() {
		a.advanceSafeReadOnly(old, newRo)
	})
}

func (a *Allocator) advanceSafeReadOnly(oldRo, newRo Address) {
	if !casMonotone(&a.addr.safeReadOnlyAddress, uint64(newRo)) {
		return
	}
	if obs, ok := a.readOnlyObserver.Load().(ReadOnlyObserver); ok && obs != nil {
		it := a.newRangeIterator(oldRo, newRo, NoBuffering, true)
		obs(it)
	}
	a.flushRange(oldRo, newRo)
}

func (a *Allocator) flushRange(begin, end Address) {
	pageSize := uint64(a.ring.pageSize)
	go func() {
		for p := alignDown(uint64(begin), pageSize); p < uint64(end); p += pageSize {
			slot := a.ring.slot(Address(p))
			page := a.ring.pages[slot]
			if err := a.device.WriteAt(page.data, int64(p)); err != nil {
				errPrintf("hlog: flush page at %d failed: %v", p, err)
				return
			}
			a.ring.states[slot].setFlushed(true)
			casMonotone(&a.addr.flushedUntilAddress, p+pageSize)
		}
	}()
}

// ShiftHeadAddress raises HeadAddress to newHead, clamped to what has
// already been flushed (the precondition the log accessor's wait loop
// otherwise guarantees before calling this), then schedules the
// epoch-bump callback that advances SafeHeadAddress and notifies the
// eviction observer.
func (a *Allocator) ShiftHeadAddress(newHead Address) {
	maxAllowed := a.addr.FlushedUntilAddress()
	if newHead > maxAllowed {
		newHead = maxAllowed
	}
	old := a.addr.HeadAddress()
	if !casMonotone(&a.addr.headAddress, uint64(newHead)) {
		return
	}
	a.epoch.BumpCurrentEpoch(func() {
		a.advanceSafeHead(old, newHead)
	})
}

func (a *Allocator) advanceSafeHead(oldHead, newHead Address) {
	if !casMonotone(&a.addr.safeHeadAddress, uint64(newHead)) {
		return
	}
	if obs, ok := a.evictionObserver.Load().(EvictionObserver); ok && obs != nil {
		it := a.newRangeIterator(oldHead, newHead, NoBuffering, true)
		obs(it)
	}
	pageSize := uint64(a.ring.pageSize)
	for p := alignDown(uint64(oldHead), pageSize); p < uint64(newHead); p += pageSize {
		slot := a.ring.slot(Address(p))
		a.ring.states[slot].setClosed(true)
		casMonotone(&a.addr.closedUntilAddress, p+pageSize)
	}
}

// Scan produces an iterator over [begin, end).
func (a *Allocator) Scan(begin, end Address, mode BufferingMode) *Iterator {
	allowMutable := begin >= a.addr.SafeReadOnlyAddress()
	return a.newRangeIterator(begin, end, mode, allowMutable)
}

func (a *Allocator) newRangeIterator(begin, end Address, mode BufferingMode, allowMutable bool) *Iterator {
	return newIterator(a, begin, end, mode, allowMutable)
}

// SetEmptyPageCount adjusts the ring's reserved-empty slot count. An
// out-of-range request is clamped rather than rejected. If wait, blocks
// until the ring has shrunk to the new lag.
func (a *Allocator) SetEmptyPageCount(count int, wait bool) {
	if count < 0 {
		count = 0
	} else if count > a.ring.bufferSize-1 {
		count = a.ring.bufferSize - 1
	}
	a.ring.emptyPageCount = count
	if !wait {
		return
	}
	pageSize := uint64(a.ring.pageSize)
	tailPage := alignDown(uint64(a.addr.TailAddress()), pageSize)
	lag := a.ring.headOffsetLagAddress()
	if tailPage <= lag {
		return
	}
	newHeadAddress := Address(tailPage - lag)
	for a.addr.HeadAddress() < newHeadAddress {
		if a.epoch.ThisInstanceProtected() {
			a.epoch.ProtectAndDrain()
		} else {
			runtime.Gosched()
		}
	}
}

// SetCheckpointing sets the allocator's checkpointing flag and forces an
// epoch bump, so any thread's next re-protect observes the new regime.
func (a *Allocator) SetCheckpointing(v bool) {
	if v {
		atomic.StoreUint32(&a.checkpointing, 1)
	} else {
		atomic.StoreUint32(&a.checkpointing, 0)
	}
	epoch := a.epoch.BumpCurrentEpoch(nil)
	if v {
		atomic.StoreUint64(&a.checkpointEpoch, epoch)
	}
}

func (a *Allocator) IsCheckpointing() bool { return atomic.LoadUint32(&a.checkpointing) != 0 }
func (a *Allocator) CheckpointEpoch() uint64 { return atomic.LoadUint64(&a.checkpointEpoch) }

// Subscribe installs the single read-only-transition observer, replacing
// any previous one. Subscribers see only events after subscription;
// historical content is obtained via Scan.
func (a *Allocator) Subscribe(obs ReadOnlyObserver) (release func()) {
	a.readOnlyObserver.Store(obs)
	return func() { a.readOnlyObserver.Store(ReadOnlyObserver(nil)) }
}

// SubscribeEvictions installs the single eviction observer.
func (a *Allocator) SubscribeEvictions(obs EvictionObserver) (release func()) {
	a.evictionObserver.Store(obs)
	return func() { a.evictionObserver.Store(EvictionObserver(nil)) }
}

// DeleteFromMemory is terminal: releases all pages; subsequent
// allocations fail with ErrAllocatorClosed.
func (a *Allocator) DeleteFromMemory() {
	atomic.StoreUint32(&a.closed, 1)
	a.ring.pages = nil
	a.ring.states = nil
}
