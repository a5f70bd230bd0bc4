package runner

import (
	"bytes"
	"sync"
)

// boundedBuffer captures stdout up to limit bytes. Once the limit is
// exceeded it signals overflow and discards further writes, so the pipe keeps
// draining until the child is killed.
type boundedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	overflow chan struct{}
	once     sync.Once
	exceeded bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit, overflow: make(chan struct{})}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exceeded {
		return len(p), nil
	}
	if b.limit > 0 && int64(b.buf.Len())+int64(len(p)) > b.limit {
		b.exceeded = true
		b.once.Do(func() { close(b.overflow) })
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Exceeded reports whether the limit was crossed.
func (b *boundedBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

// Bytes returns a copy of the captured bytes.
func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = append(t.buf[:0:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.buf)
}
