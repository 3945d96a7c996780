package devicesink

import (
	"sync"

	"github.com/dsnet/golib/memfile"
)

// MemoryDeviceSink is a null device: an in-memory file with no disk
// footprint. The scan-compaction dedup map (tempKV) does not use it; that
// map keeps its entries in a plain Go map.
type MemoryDeviceSink struct {
	mu sync.Mutex
	mf *memfile.File
}

func NewMemoryDeviceSink() *MemoryDeviceSink {
	return &MemoryDeviceSink{mf: memfile.New(nil)}
}

func (d *MemoryDeviceSink) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.mf.WriteAt(p, off)
	return err
}

func (d *MemoryDeviceSink) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mf.ReadAt(p, off)
}

func (d *MemoryDeviceSink) Flush() error { return nil }

// TruncateBelow is a no-op: a null device has no prefix worth reclaiming.
func (d *MemoryDeviceSink) TruncateBelow(off int64) error { return nil }

func (d *MemoryDeviceSink) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.mf.Bytes())), nil
}

func (d *MemoryDeviceSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mf.Close()
}
