// Package buffer allocates page-aligned memory for data transfers and
// non-contiguous queues. The driver pins these pages, so they come from
// anonymous mappings rather than the Go heap.
package buffer

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-dnvme/internal/constants"
)

// Aligned is a page-aligned, zero-filled buffer.
type Aligned struct {
	mu   sync.Mutex
	data []byte
	size int
}

// RoundUp returns size rounded up to a whole number of pages.
func RoundUp(size int) int {
	return (size + constants.PageSize - 1) &^ (constants.PageSize - 1)
}

// Alloc maps size bytes. The mapping is rounded up to whole pages but
// Bytes returns exactly size bytes.
func Alloc(size int) (*Aligned, error) {
	if size <= 0 {
		return nil, fmt.Errorf("buffer: invalid size %d", size)
	}
	data, err := unix.Mmap(-1, 0, RoundUp(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("buffer: mmap %d bytes: %w", size, err)
	}
	return &Aligned{data: data, size: size}, nil
}

// Bytes returns the usable region. It is nil after Free.
func (a *Aligned) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return nil
	}
	return a.data[:a.size]
}

// Len returns the requested size.
func (a *Aligned) Len() int {
	return a.size
}

// Zero clears the buffer for reuse.
func (a *Aligned) Zero() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.data)
}

// Free unmaps the buffer. Further calls are no-ops.
func (a *Aligned) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}
