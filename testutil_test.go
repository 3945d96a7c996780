package hlog

import "sync"

// memIndex is a minimal in-memory stand-in for the hash index compaction
// consults, which lives entirely outside this package. It exists only
// for tests: a sample implementation of an interface the package itself
// never implements.
type memIndex struct {
	mu      sync.Mutex
	latest  map[string]Address
}

func newMemIndex() *memIndex {
	return &memIndex{latest: make(map[string]Address)}
}

func (idx *memIndex) LatestAddress(key []byte) Address {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if a, ok := idx.latest[string(key)]; ok {
		return a
	}
	return InvalidAddress
}

func (idx *memIndex) record(key []byte, addr Address) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.latest[string(key)] = addr
}

// testSession bundles an allocator, accessor, compactor and the index
// that tracks every insert/delete it performs, mimicking the narrow
// slice of client-session behavior (insert, delete, read) a real
// session layer would own.
type testSession struct {
	alloc    *Allocator
	accessor *LogAccessor
	index    *memIndex
	comp     *Compactor

	mu      sync.Mutex
	values  map[string][]byte
	deleted map[string]bool
}

func newTestSession(cfg Config) *testSession {
	epoch := NewEpochManager()
	device := newNullDevice()
	alloc := NewAllocator(cfg, device, epoch)
	accessor := NewLogAccessor(alloc, epoch)
	idx := newMemIndex()
	comp := NewCompactor(accessor, alloc, idx)
	return &testSession{
		alloc:    alloc,
		accessor: accessor,
		index:    idx,
		comp:     comp,
		values:   make(map[string][]byte),
		deleted:  make(map[string]bool),
	}
}

func (s *testSession) Upsert(key, value []byte) Address {
	var addr Address
	var err error
	s.accessor.withProtectionForTest(func() {
		addr, err = s.alloc.AppendRecord(key, value, false, s.index.LatestAddress(key))
	})
	if err != nil {
		panic(err)
	}
	s.index.record(key, addr)
	s.mu.Lock()
	s.values[string(key)] = append([]byte(nil), value...)
	delete(s.deleted, string(key))
	s.mu.Unlock()
	return addr
}

func (s *testSession) Delete(key []byte) Address {
	var addr Address
	var err error
	s.accessor.withProtectionForTest(func() {
		addr, err = s.alloc.AppendRecord(key, nil, true, s.index.LatestAddress(key))
	})
	if err != nil {
		panic(err)
	}
	s.index.record(key, addr)
	s.mu.Lock()
	s.deleted[string(key)] = true
	delete(s.values, string(key))
	s.mu.Unlock()
	return addr
}

// Read replays the log backwards from the index's latest known address
// for key, the minimal "session dispatch" needed to assert end-to-end
// scenario outcomes; the real hash-chain traversal is out of scope.
func (s *testSession) Read(key []byte) ([]byte, bool) {
	addr := s.index.LatestAddress(key)
	for addr != InvalidAddress && addr >= s.alloc.BeginAddress() {
		info, k, v := s.alloc.ReadRecord(addr)
		if string(k) == string(key) {
			if info.Tombstone {
				return nil, false
			}
			return v, true
		}
		addr = info.PreviousAddress
	}
	return nil, false
}

// withProtectionForTest exposes LogAccessor.withProtection for tests
// that want to bracket several allocator calls in a single protected
// region without going through a public shift operation.
func (a *LogAccessor) withProtectionForTest(fn func()) { a.withProtection(fn) }

func newNullDevice() *nullDevice { return &nullDevice{} }

// nullDevice is an in-memory DeviceSink with no alignment requirements,
// used where tests don't need to exercise the directio/memfile-backed
// sinks directly (those are covered in devicesink's own tests).
type nullDevice struct {
	mu   sync.Mutex
	data []byte
}

func (d *nullDevice) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(d.data)) < end {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[off:end], p)
	return nil
}

func (d *nullDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copy(p, d.data[off:]), nil
}

func (d *nullDevice) Flush() error                  { return nil }
func (d *nullDevice) TruncateBelow(off int64) error  { return nil }
func (d *nullDevice) Size() (int64, error)           { return int64(len(d.data)), nil }
func (d *nullDevice) Close() error                   { return nil }

func smallConfig() Config {
	return Config{LogPageSizeBits: MinPageSizeBits, BufferSize: 8, EmptyPageCount: 1}
}
