package hlog

import "sync/atomic"

// Page is one slot's worth of the hybrid log's in-memory ring: a flat
// byte buffer holding a stream of records starting at offset 0.
type Page struct {
	data []byte
}

func newPage(pageDataSize uint32) *Page {
	return &Page{data: make([]byte, pageDataSize)}
}

// pageState tracks the bookkeeping a log page (rather than a B-tree
// page) needs: no read/write/access/parent lock chain (there is no tree
// to lock), just the flush/close markers and pin count the allocator's
// shift operations coordinate on.
type pageState struct {
	startAddr uint64 // atomic; address of this slot's current generation
	pin       int32  // atomic; pin count slot, not incremented by any code in this package
	flushed   uint32 // atomic bool
	closed    uint32 // atomic bool
	dirty     uint32 // atomic bool
}

func (s *pageState) setFlushed(v bool) { atomic.StoreUint32(&s.flushed, boolToUint32(v)) }
func (s *pageState) isFlushed() bool   { return atomic.LoadUint32(&s.flushed) != 0 }
func (s *pageState) setClosed(v bool)  { atomic.StoreUint32(&s.closed, boolToUint32(v)) }
func (s *pageState) isClosed() bool    { return atomic.LoadUint32(&s.closed) != 0 }
func (s *pageState) setDirty(v bool)   { atomic.StoreUint32(&s.dirty, boolToUint32(v)) }
func (s *pageState) isDirty() bool     { return atomic.LoadUint32(&s.dirty) != 0 }

func boolToUint32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// pageRing is the in-memory circular buffer of BufferSize page slots,
// indexed by (address >> LogPageSizeBits) mod BufferSize.
type pageRing struct {
	pageSize       uint32
	pageBits       uint8
	pageDataSize   uint32
	bufferSize     int
	emptyPageCount int

	pages      []*Page
	states     []pageState
	allocated  int32 // atomic; AllocatedPageCount slot, not updated by any code in this package (all pages are allocated up front)
}

func newPageRing(cfg Config) *pageRing {
	pageSize := uint32(1) << cfg.LogPageSizeBits
	r := &pageRing{
		pageSize:       pageSize,
		pageBits:       cfg.LogPageSizeBits,
		pageDataSize:   pageSize,
		bufferSize:     cfg.BufferSize,
		emptyPageCount: cfg.EmptyPageCount,
		pages:          make([]*Page, cfg.BufferSize),
		states:         make([]pageState, cfg.BufferSize),
	}
	for i := range r.pages {
		r.pages[i] = newPage(r.pageDataSize)
	}
	return r
}

func (r *pageRing) pageMask() uint64 {
	return uint64(r.pageSize) - 1
}

func (r *pageRing) slot(addr Address) int {
	return int((uint64(addr) >> r.pageBits)) % r.bufferSize
}

// headOffsetLagAddress is (BufferSize - EmptyPageCount) * PageSize, the
// amount of address space the ring can hold live before
// SetEmptyPageCount forces a wait.
func (r *pageRing) headOffsetLagAddress() uint64 {
	return uint64(r.bufferSize-r.emptyPageCount) * uint64(r.pageSize)
}
