package device

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a BlockDevice backed by an *os.File. WriteAndCheckAt
// performs a write, a read-back comparison, and an fdatasync to give the
// durability guarantee that BlockDevice promises its caller.
type FileDevice struct {
	f        *os.File
	size     int64
	pageSize int64
}

// NewFileDevice wraps f as a BlockDevice of the given size, starting at
// the current contents of f. pageSize may be 0 if the underlying media
// advertises no page constraint.
func NewFileDevice(f *os.File, size, pageSize int64) (*FileDevice, error) {
	if size <= 0 {
		return nil, fmt.Errorf("device: size must be positive, got %d", size)
	}
	return &FileDevice{f: f, size: size, pageSize: pageSize}, nil
}

func (d *FileDevice) Size() int64     { return d.size }
func (d *FileDevice) PageSize() int64 { return d.pageSize }

func (d *FileDevice) ReadAt(addr int64, buf []byte) error {
	if err := checkRange(addr, int64(len(buf)), d.size); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, addr)
	return err
}

func (d *FileDevice) WriteAt(addr int64, buf []byte) error {
	if err := checkRange(addr, int64(len(buf)), d.size); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, addr)
	return err
}

func (d *FileDevice) WriteAndCheckAt(addr int64, buf []byte) error {
	if err := d.WriteAt(addr, buf); err != nil {
		return err
	}
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("device: fdatasync: %w", err)
	}
	readBack := make([]byte, len(buf))
	if err := d.ReadAt(addr, readBack); err != nil {
		return err
	}
	if !bytes.Equal(buf, readBack) {
		return &ErrVolatileStorage{Addr: addr}
	}
	return nil
}
