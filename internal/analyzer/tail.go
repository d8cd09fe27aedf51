package analyzer

import "sync"

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	lock    sync.Mutex
	buf     []byte
	size    int
	next    int
	written int64
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := len(p)
	t.written += int64(n)
	if n > t.size {
		p = p[n-t.size:]
	}
	for len(p) > 0 {
		c := copy(t.buf[t.next:], p)
		p = p[c:]
		t.next = (t.next + c) % t.size
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (t *tailBuffer) String() string {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.written <= int64(t.size) {
		return string(t.buf[:t.written])
	}
	out := make([]byte, 0, t.size)
	out = append(out, t.buf[t.next:]...)
	out = append(out, t.buf[:t.next]...)
	return string(out)
}

// Truncated reports whether older output was dropped.
func (t *tailBuffer) Truncated() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.written > int64(t.size)
}
