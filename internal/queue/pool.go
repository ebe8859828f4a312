package queue

import (
	"sync"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Completion buffers are pooled in four buckets sized in whole CQ entries
// (16, 256, 4096 and 65536 entries). The largest bucket holds a full
// maximum-depth CQ, so ReapAll never needs more than one buffer.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

const (
	entries16  = 16
	entries256 = 256
	entries4k  = 4096
	entries64k = nvme.MaxQueueElements

	size16  = entries16 * nvme.CQEntrySize
	size256 = entries256 * nvme.CQEntrySize
	size4k  = entries4k * nvme.CQEntrySize
	size64k = entries64k * nvme.CQEntrySize
)

var globalPool = struct {
	pool16  sync.Pool
	pool256 sync.Pool
	pool4k  sync.Pool
	pool64k sync.Pool
}{
	pool16:  sync.Pool{New: func() any { b := make([]byte, size16); return &b }},
	pool256: sync.Pool{New: func() any { b := make([]byte, size256); return &b }},
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

// GetBuffer returns a pooled buffer holding exactly entries completion
// entries. Requests above the largest bucket are allocated directly.
// Caller must call PutBuffer when done.
func GetBuffer(entries uint32) []byte {
	size := int(entries) * nvme.CQEntrySize
	switch {
	case entries <= entries16:
		return (*globalPool.pool16.Get().(*[]byte))[:size]
	case entries <= entries256:
		return (*globalPool.pool256.Get().(*[]byte))[:size]
	case entries <= entries4k:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	case entries <= entries64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size16:
		globalPool.pool16.Put(&buf)
	case size256:
		globalPool.pool256.Put(&buf)
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
