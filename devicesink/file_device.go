package devicesink

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// FileDeviceSink is the on-device prefix of the hybrid log: an O_DIRECT
// file, written and read in directio.BlockSize-aligned chunks.
type FileDeviceSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFileDeviceSink opens (creating if needed) a directio-aligned file
// at path to back the hybrid log's device-resident prefix.
func OpenFileDeviceSink(path string) (*FileDeviceSink, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("devicesink: open %s: %w", path, err)
	}
	return &FileDeviceSink{f: f, path: path}, nil
}

func (d *FileDeviceSink) WriteAt(p []byte, off int64) error {
	if len(p)%directio.BlockSize != 0 || off%directio.BlockSize != 0 {
		return fmt.Errorf("devicesink: write at %d (%d bytes) is not %d-byte aligned", off, len(p), directio.BlockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(p, off)
	return err
}

func (d *FileDeviceSink) ReadAt(p []byte, off int64) (int, error) {
	if len(p)%directio.BlockSize != 0 || off%directio.BlockSize != 0 {
		return 0, fmt.Errorf("devicesink: read at %d (%d bytes) is not %d-byte aligned", off, len(p), directio.BlockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.ReadAt(p, off)
}

func (d *FileDeviceSink) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// TruncateBelow discards the file prefix below off by punching it with
// zeros; a real deployment would use FALLOC_FL_PUNCH_HOLE, not expressed
// here since the os package has no portable hook for it.
func (d *FileDeviceSink) TruncateBelow(off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	zeros := directio.AlignedBlock(int(directio.BlockSize))
	for p := int64(0); p < off; p += int64(len(zeros)) {
		n := int64(len(zeros))
		if p+n > off {
			n = off - p
		}
		if _, err := d.f.WriteAt(zeros[:n], p); err != nil {
			return err
		}
	}
	return nil
}

func (d *FileDeviceSink) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *FileDeviceSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
