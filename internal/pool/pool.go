package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pools shared by the queue codec, the HTTP sender and the sink.
//
// Every queue mutation rewrites the whole persisted blob, so the
// encode buffers are hot even at low event rates.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - request/response bodies read by the sink and the sender
	//   - 4KB initial capacity covers a typical event
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip output of the queue codec
	//   - 64KB initial capacity
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer reuse, BestSpeed
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap is the largest buffer returned to BufferPool. Bigger buffers
// are left to the GC.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody returns buf to BodyPool unless it grew past maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer returns buf to BufferPool unless it grew past MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
