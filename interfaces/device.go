// Package interfaces holds the seams the hybrid log depends on but does
// not itself implement. DeviceSink is the only one: everything about the
// hash index, client sessions and variable-length layout lives on the
// other side of this boundary.
package interfaces

// DeviceSink is the append/flush/read-by-offset backing store for the
// on-device prefix of the hybrid log. Implementations live under
// devicesink/.
type DeviceSink interface {
	// WriteAt writes p at byte offset off. Implementations may require
	// p and off to be aligned to a device block size.
	WriteAt(p []byte, off int64) error

	// ReadAt reads into p starting at byte offset off.
	ReadAt(p []byte, off int64) (int, error)

	// Flush forces any buffered writes to stable storage.
	Flush() error

	// TruncateBelow discards any data below byte offset off. Destructive;
	// data loss is permitted and expected.
	TruncateBelow(off int64) error

	// Size reports the current extent of the device.
	Size() (int64, error)

	// Close releases underlying resources.
	Close() error
}
