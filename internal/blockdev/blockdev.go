// Package blockdev models virtio_disk_rw, the synchronous block device I/O
// the buffer cache depends on. A concrete body is still needed for the
// cache to be runnable and testable end to end, so this package supplies
// two: an in-memory device, used by the tests and by cmd/server, and a real
// file-backed device.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// BlockSize is the fixed disk block size the buffer cache caches whole
// copies of.
const BlockSize = 1024

// Device is the contract bcache consumes. Both ReadBlock and WriteBlock are
// synchronous: they return only after the I/O completes, as bread/bwrite
// require.
type Device interface {
	// ID is a stable identifier for this device instance; cmd/server prints
	// it at boot.
	ID() string
	ReadBlock(ctx context.Context, dev, blockno uint32, data []byte) error
	WriteBlock(ctx context.Context, dev, blockno uint32, data []byte) error
}

// MemDevice is an in-memory block device keyed by (dev, blockno). It never
// fails and is safe for concurrent use, making it suitable for driving the
// buffer cache's concurrency tests.
type MemDevice struct {
	id     string
	mu     sync.Mutex
	blocks map[uint64][]byte
}

// NewMemDevice creates an empty in-memory device, stamped with a fresh
// instance id.
func NewMemDevice() *MemDevice {
	return &MemDevice{
		id:     uuid.NewString(),
		blocks: make(map[uint64][]byte),
	}
}

func key(dev, blockno uint32) uint64 {
	return uint64(dev)<<32 | uint64(blockno)
}

func (d *MemDevice) ID() string { return d.id }

func (d *MemDevice) ReadBlock(_ context.Context, dev, blockno uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.blocks[key(dev, blockno)]; ok {
		copy(data, b)
		return nil
	}
	// An unwritten block reads back as zeros, same as a fresh disk image.
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *MemDevice) WriteBlock(_ context.Context, dev, blockno uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := make([]byte, BlockSize)
	copy(b, data)
	d.blocks[key(dev, blockno)] = b
	return nil
}

// FileDevice backs a single logical disk with a sparse regular file,
// addressing block N at offset N*BlockSize via ReadAt/WriteAt so concurrent
// callers on different blocks never contend on a shared file cursor.
type FileDevice struct {
	id string
	f  *os.File
}

// OpenFileDevice opens (creating if necessary) path as a block device.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	return &FileDevice{id: uuid.NewString(), f: f}, nil
}

func (d *FileDevice) ID() string { return d.id }

func (d *FileDevice) ReadBlock(_ context.Context, _, blockno uint32, data []byte) error {
	off := int64(blockno) * BlockSize
	n, err := d.f.ReadAt(data[:BlockSize], off)
	if n == BlockSize {
		return nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("blockdev: read block %d: %w", blockno, err)
	}
	// Short read at EOF: a block past current file length reads as zeros,
	// same as MemDevice's never-written block.
	for i := n; i < BlockSize; i++ {
		data[i] = 0
	}
	return nil
}

func (d *FileDevice) WriteBlock(_ context.Context, _, blockno uint32, data []byte) error {
	off := int64(blockno) * BlockSize
	_, err := d.f.WriteAt(data[:BlockSize], off)
	return err
}

// Close releases the backing file.
func (d *FileDevice) Close() error { return d.f.Close() }
