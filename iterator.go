package hlog

import (
	"sync"

	"github.com/devlights/gomy/chans"
)

// BufferingMode selects how the record iterator prefetches pages ahead
// of the cursor.
type BufferingMode int

const (
	NoBuffering BufferingMode = iota
	SinglePageBuffering
	DoublePageBuffering
)

type iteratorState int

const (
	iterInitial iteratorState = iota
	iterBuffered
	iterExhausted
)

// Iterator is a lazy, finite, non-restartable sequence of (address, key,
// value, RecordInfo) triples over a half-open address range, terminating
// exactly on a record boundary.
type Iterator struct {
	alloc *Allocator

	begin        Address
	end          Address
	mode         BufferingMode
	allowMutable bool

	state          iteratorState
	currentAddress Address
	nextAddress    Address

	curInfo  RecordInfo
	curKey   []byte
	curValue []byte

	done    chan struct{}
	prefetch <-chan Address // page-start addresses prefetched ahead of the cursor, DoublePageBuffering only

	cacheMu sync.Mutex
	cache   map[uint64][]byte // page-start -> warmed bytes, DoublePageBuffering only
}

func newIterator(alloc *Allocator, begin, end Address, mode BufferingMode, allowMutable bool) *Iterator {
	it := &Iterator{
		alloc:          alloc,
		begin:          begin,
		end:            end,
		mode:           mode,
		allowMutable:   allowMutable,
		state:          iterInitial,
		currentAddress: begin,
		nextAddress:    begin,
		done:           make(chan struct{}),
	}
	if mode == DoublePageBuffering {
		it.cache = make(map[uint64][]byte)
		it.startPrefetch()
	}
	return it
}

// startPrefetch runs a generator goroutine announcing each page-start
// address the cursor is about to enter, one page ahead, and a second
// goroutine that actually warms each announced page: for a page that has
// been evicted from memory (or whose ring slot has already wrapped
// around under a later generation), it faults the page in from the
// device and stashes it in it.cache, so GetNext's own device read for
// that page is a cache hit instead of a second round trip. Pages still
// resident in the live ring need no warming. gomy/chans.OrDone tears
// both goroutines down the instant Dispose closes it.done, the same
// cancellation idiom the package's own concurrency-pattern write-ups
// teach.
func (it *Iterator) startPrefetch() {
	raw := make(chan Address)
	go func() {
		defer close(raw)
		pageSize := uint64(it.alloc.ring.pageSize)
		for p := alignUp(uint64(it.begin), pageSize) + pageSize; p < uint64(it.end); p += pageSize {
			select {
			case raw <- Address(p):
			case <-it.done:
				return
			}
		}
	}()
	pages := chans.OrDone(it.done, raw)
	it.prefetch = pages
	go func() {
		for p := range pages {
			if p >= it.alloc.HeadAddress() && it.alloc.pageGenerationMatches(p) {
				continue
			}
			buf := it.alloc.readPageFromDevice(p)
			it.cacheMu.Lock()
			it.cache[uint64(p)] = buf
			it.cacheMu.Unlock()
		}
	}()
}

// takeCachedPage returns and evicts a previously warmed page, or nil on
// a cache miss.
func (it *Iterator) takeCachedPage(pageStart Address) []byte {
	if it.cache == nil {
		return nil
	}
	it.cacheMu.Lock()
	defer it.cacheMu.Unlock()
	page := it.cache[uint64(pageStart)]
	if page != nil {
		delete(it.cache, uint64(pageStart))
	}
	return page
}

// readRecord decodes the record at addr, preferring a page this
// iterator's own DoublePageBuffering prefetch already warmed over a
// fresh device read.
func (it *Iterator) readRecord(addr Address) (RecordInfo, []byte, []byte) {
	if addr >= it.alloc.HeadAddress() && it.alloc.pageGenerationMatches(addr) {
		return it.alloc.ReadRecord(addr)
	}
	pageStart := Address(alignDown(uint64(addr), uint64(it.alloc.ring.pageSize)))
	page := it.takeCachedPage(pageStart)
	if page == nil {
		page = it.alloc.readPageFromDevice(pageStart)
	}
	return it.alloc.readRecordFromDevice(addr, page)
}

// ceiling returns the address this iterator must not read past: end,
// clamped to SafeReadOnlyAddress unless allowMutable was requested.
func (it *Iterator) ceiling() Address {
	if it.allowMutable {
		return it.end
	}
	safe := it.alloc.SafeReadOnlyAddress()
	if safe < it.end {
		return safe
	}
	return it.end
}

// GetNext advances to the next live record, returning false at
// exhaustion (address >= end or no more live records). Records with a
// cleared Valid bit (padding) are skipped silently; tombstones are
// returned for the caller to inspect via CurrentRecordInfo().Tombstone.
func (it *Iterator) GetNext() bool {
	if it.state == iterExhausted {
		return false
	}
	limit := it.ceiling()
	addr := it.nextAddress
	for addr < limit {
		info, key, value := it.readRecord(addr)
		total := recordTotalLength(info)
		next := addr + Address(total)
		if !info.Valid {
			addr = next
			continue
		}
		it.currentAddress = addr
		it.nextAddress = next
		it.curInfo = info
		it.curKey = key
		it.curValue = value
		it.state = iterBuffered
		if next >= it.end {
			// next call will observe exhaustion; no further buffering needed.
		}
		return true
	}
	it.state = iterExhausted
	return false
}

// CurrentAddress is the address of the record GetNext just returned.
func (it *Iterator) CurrentAddress() Address { return it.currentAddress }

// NextAddress is the record boundary immediately past the current
// record; once it is >= the iterator's end, the iterator terminates on
// the next call.
func (it *Iterator) NextAddress() Address { return it.nextAddress }

// GetKey returns a borrowed reference valid only until the next GetNext
// call or Dispose.
func (it *Iterator) GetKey() []byte { return it.curKey }

// GetValue returns a borrowed reference valid only until the next
// GetNext call or Dispose.
func (it *Iterator) GetValue() []byte { return it.curValue }

// CurrentRecordInfo returns the header of the record GetNext just
// returned, so callers can inspect Tombstone without a second read.
func (it *Iterator) CurrentRecordInfo() RecordInfo { return it.curInfo }

// Dispose tears down the iterator's prefetch goroutine, if any. Safe to
// call more than once.
func (it *Iterator) Dispose() {
	select {
	case <-it.done:
	default:
		close(it.done)
	}
	it.state = iterExhausted
}
