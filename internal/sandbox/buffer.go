package sandbox

import (
	"bytes"
	"sync"
)

// DefaultOutputLimit caps each captured stream when no limit is configured.
const DefaultOutputLimit = 64 * 1024

// BoundedBuffer is an io.Writer that keeps at most limit bytes. Anything
// beyond the cap is discarded and Truncated reports true.
//
// Write never fails, so a chatty child is not killed by SIGPIPE when it
// overflows the cap.
type BoundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewBoundedBuffer creates a buffer holding up to limit bytes. A limit of
// zero or less selects DefaultOutputLimit.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &BoundedBuffer{limit: limit}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - b.buf.Len()
	if len(p) > remaining {
		b.truncated = true
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
