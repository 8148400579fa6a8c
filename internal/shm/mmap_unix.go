//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a shared, writable file mapping
type Mapping struct {
	file *os.File
	data []byte
}

// MapFile maps size bytes of path starting at offset. With create set the
// file is created and grown to offset+size if needed. The offset must be
// page aligned.
func MapFile(path string, offset int64, size int, create bool) (*Mapping, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared file: %w", err)
	}

	if create {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat shared file: %w", err)
		}
		if info.Size() < offset+int64(size) {
			if err := f.Truncate(offset + int64(size)); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to size shared file: %w", err)
			}
		}
	}

	data, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}

	return &Mapping{file: f, data: data}, nil
}

// Bytes returns the mapped window
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Close unmaps the window and closes the file
func (m *Mapping) Close() error {
	var unmapErr error
	if m.data != nil {
		unmapErr = unix.Munmap(m.data)
		m.data = nil
	}
	if err := m.file.Close(); err != nil && unmapErr == nil {
		return fmt.Errorf("failed to close shared file: %w", err)
	}
	if unmapErr != nil {
		return fmt.Errorf("failed to unmap shared file: %w", unmapErr)
	}
	return nil
}
