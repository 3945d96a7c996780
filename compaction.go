package hlog

import "sync"

// IsLiveFunc is the caller-supplied liveness predicate beyond the
// Tombstone bit.
type IsLiveFunc func(key, value []byte) bool

// HashIndex is the sole point of coordination the compaction engine has
// with the hash index, which lives entirely outside this package and is
// assumed provided by the session layer. LatestAddress returns the most
// recent address at which key is known to the index, or InvalidAddress
// if the index has no record of it.
type HashIndex interface {
	LatestAddress(key []byte) Address
}

// CompactionType selects which of the two compaction variants to run.
type CompactionType int

const (
	CompactLookupType CompactionType = iota
	CompactScanType
)

// CompactionFunctions bundles the capability the compaction engine needs
// from its caller as a plain struct of function values, a capability
// record rather than an interface with many hooks.
type CompactionFunctions struct {
	IsDeleted IsLiveFunc
}

func (cf CompactionFunctions) isDeleted(key, value []byte) bool {
	if cf.IsDeleted == nil {
		return false
	}
	return cf.IsDeleted(key, value)
}

// isLive ≡ !recordInfo.Tombstone && !cf.IsDeleted(key, value).
func isLive(info RecordInfo, key, value []byte, cf CompactionFunctions) bool {
	return !info.Tombstone && !cf.isDeleted(key, value)
}

// pendingDrainInterval is the cadence, in records, at which compaction
// reports progress. HashIndex lookups are synchronous, so there is no
// pending index I/O to drain at this cadence.
const pendingDrainInterval = 256

// OnProgressFunc is invoked at the same drain cadence, so a long
// compaction can be observed without polling cursors from another
// goroutine.
type OnProgressFunc func(scanned, copied int64)

// Compactor runs both compaction variants against a log owned by alloc,
// consulting index as the hash-index seam.
type Compactor struct {
	alloc    *Allocator
	accessor *LogAccessor
	index    HashIndex
}

func NewCompactor(accessor *LogAccessor, alloc *Allocator, index HashIndex) *Compactor {
	return &Compactor{alloc: alloc, accessor: accessor, index: index}
}

// Compact runs kind up to untilAddress, returning the address
// BeginAddress was actually shifted to. Fails with ErrCompactionBoundary
// if untilAddress is past SafeReadOnlyAddress; no state changes in that
// case.
func (c *Compactor) Compact(untilAddress Address, cf CompactionFunctions, kind CompactionType, onProgress OnProgressFunc) (Address, error) {
	if untilAddress > c.alloc.SafeReadOnlyAddress() {
		return 0, ErrCompactionBoundary
	}
	switch kind {
	case CompactLookupType:
		return c.compactLookup(untilAddress, cf, onProgress)
	case CompactScanType:
		return c.compactScan(untilAddress, cf, onProgress)
	default:
		return 0, ErrInvalidCompactionType
	}
}

// copyToTail appends a fresh record for key/value at the tail only if
// the hash index witnesses no record for key at or past minAddress;
// otherwise the candidate is stale and silently dropped.
func (c *Compactor) copyToTail(key, value []byte, minAddress Address) error {
	if latest := c.index.LatestAddress(key); latest != InvalidAddress && latest >= minAddress {
		return nil
	}
	_, err := c.alloc.AppendRecord(key, value, false, InvalidAddress)
	return err
}

// compactLookup is the single-pass variant: a live record
// supersedes the candidate if the index witnesses any record for the
// same key at or past the candidate's own NextAddress, which is sound
// because any later version would have to sit at an address >= that.
func (c *Compactor) compactLookup(untilAddress Address, cf CompactionFunctions, onProgress OnProgressFunc) (Address, error) {
	begin := c.alloc.BeginAddress()
	it := c.alloc.Scan(begin, untilAddress, SinglePageBuffering)
	defer it.Dispose()

	var scanned, copied int64
	for it.GetNext() {
		info := it.CurrentRecordInfo()
		key, value := it.GetKey(), it.GetValue()
		if isLive(info, key, value, cf) {
			if err := c.copyToTail(key, value, it.NextAddress()); err != nil {
				return 0, err
			}
			copied++
		}
		untilAddress = it.NextAddress()
		scanned++
		if scanned%pendingDrainInterval == 0 && onProgress != nil {
			onProgress(scanned, copied)
		}
	}
	if onProgress != nil {
		onProgress(scanned, copied)
	}
	c.accessor.ShiftBeginAddress(untilAddress, false, false)
	return untilAddress, nil
}

// compactScan is the two-pass variant, for callers that don't trust the
// hash index to witness every version. A transient
// in-memory dedup map (tempKV) reconstructs per-key latest-version
// knowledge without consulting the index at all.
func (c *Compactor) compactScan(untilAddress Address, cf CompactionFunctions, onProgress OnProgressFunc) (Address, error) {
	begin := c.alloc.BeginAddress()
	temp := newTempKV()

	var scanned, copied int64

	// 1. Build temp.
	buildIt := c.alloc.Scan(begin, untilAddress, SinglePageBuffering)
	for buildIt.GetNext() {
		info := buildIt.CurrentRecordInfo()
		key, value := buildIt.GetKey(), buildIt.GetValue()
		if info.Tombstone || cf.isDeleted(key, value) {
			temp.Delete(key)
		} else {
			temp.Upsert(key, value)
		}
		scanned++
		if scanned%pendingDrainInterval == 0 && onProgress != nil {
			onProgress(scanned, copied)
		}
	}
	originalUntilAddress := buildIt.NextAddress()
	buildIt.Dispose()

	// 2. Catch up on the immutable tail: any later version of key in the
	// newer immutable region means the tempKV version is stale and must
	// not be resurrected.
	catchUp := func(from Address) Address {
		for {
			scanUntil := c.alloc.SafeReadOnlyAddress()
			if from >= scanUntil {
				return from
			}
			tailIt := c.alloc.Scan(from, scanUntil, SinglePageBuffering)
			for tailIt.GetNext() {
				temp.Delete(tailIt.GetKey())
				from = tailIt.NextAddress()
			}
			tailIt.Dispose()
		}
	}
	untilAddress = catchUp(originalUntilAddress)

	// 3. Emit survivors, re-checking the tail has not grown out from
	// under each one before copying it to the tail.
	for _, key := range temp.orderedKeys() {
		untilAddress = catchUp(untilAddress)
		live, _ := temp.ContainsKeyInMemory([]byte(key))
		if !live {
			continue
		}
		value := temp.valueOf(key)
		if err := c.copyToTail([]byte(key), value, untilAddress-1); err != nil {
			return 0, err
		}
		copied++
		scanned++
		if scanned%pendingDrainInterval == 0 && onProgress != nil {
			onProgress(scanned, copied)
		}
	}
	if onProgress != nil {
		onProgress(scanned, copied)
	}

	c.accessor.ShiftBeginAddress(originalUntilAddress, false, false)
	return originalUntilAddress, nil
}

// tempKV is a transient in-memory-only dedup map with tombstones, the
// simplest thing that can stand in for a KV engine running over a null
// device for the duration of one compaction pass. The supported
// operations are Upsert, Delete, ContainsKeyInMemory, plus an
// address-ordered (here, first-seen-order) iteration over live entries.
type tempKV struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*tempKVEntry
}

type tempKVEntry struct {
	value     []byte
	tombstone bool
}

func newTempKV() *tempKV {
	return &tempKV{entries: make(map[string]*tempKVEntry)}
}

func (t *tempKV) entryFor(key string) *tempKVEntry {
	e, ok := t.entries[key]
	if !ok {
		e = &tempKVEntry{}
		t.entries[key] = e
		t.order = append(t.order, key)
	}
	return e
}

func (t *tempKV) Upsert(key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(string(key))
	e.value = append([]byte(nil), value...)
	e.tombstone = false
}

func (t *tempKV) Delete(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(string(key))
	e.value = nil
	e.tombstone = true
}

// ContainsKeyInMemory reports whether key currently has a live entry.
// The address return value is unused by this in-memory model (there is
// no backing device to address into) and is always InvalidAddress; kept
// for signature symmetry with callers expecting an address-bearing
// lookup.
func (t *tempKV) ContainsKeyInMemory(key []byte) (bool, Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[string(key)]
	if !ok || e.tombstone {
		return false, InvalidAddress
	}
	return true, InvalidAddress
}

func (t *tempKV) valueOf(key string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	return e.value
}

func (t *tempKV) orderedKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
