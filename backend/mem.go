// Package backend provides media implementations for simulated namespaces
package backend

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
)

// Memory is RAM-backed namespace media
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool

	reads     atomic.Uint64
	writes    atomic.Uint64
	flushes   atomic.Uint64
	discarded atomic.Uint64
}

// NewMemory creates zero-filled media of size bytes
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

func (m *Memory) check(p []byte, off int64) error {
	if m.closed {
		return fmt.Errorf("memory media is closed")
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return fmt.Errorf("access [%d, %d) outside media of %d bytes", off, off+int64(len(p)), m.size)
	}
	return nil
}

// ReadAt reads len(p) bytes at off. Reads past the end return io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.reads.Add(1)
	if m.closed {
		return 0, fmt.Errorf("memory media is closed")
	}
	if off >= m.size {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off. Unlike ReadAt it never writes partially: the
// whole range must lie inside the media.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes.Add(1)
	if err := m.check(p, off); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Size() int64 {
	return m.size
}

// Flush only counts; RAM has nothing to make durable.
func (m *Memory) Flush() error {
	m.flushes.Add(1)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Discard zeroes the range, clipped to the media.
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory media is closed")
	}
	if offset < 0 || length < 0 {
		return fmt.Errorf("negative discard range %d+%d", offset, length)
	}
	if offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	clear(m.data[offset:end])
	m.discarded.Add(uint64(end - offset))
	return nil
}

// WriteZeroes is Discard: freed RAM reads back as zeroes.
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":            "memory",
		"size":            m.size,
		"reads":           m.reads.Load(),
		"writes":          m.writes.Load(),
		"flushes":         m.flushes.Load(),
		"discarded_bytes": m.discarded.Load(),
	}
}

var (
	_ interfaces.Media            = (*Memory)(nil)
	_ interfaces.DiscardMedia     = (*Memory)(nil)
	_ interfaces.WriteZeroesMedia = (*Memory)(nil)
	_ interfaces.StatMedia        = (*Memory)(nil)
)
