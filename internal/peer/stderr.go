package peer

import (
	"strings"
	"sync"
)

// maxStderrBytes caps the amount of stderr kept per child process.
const maxStderrBytes = 64 * 1024

// stderrBuffer keeps the first max bytes written to it and drops the rest.
type stderrBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newStderrBuffer(max int) *stderrBuffer {
	return &stderrBuffer{max: max}
}

// Write never fails so the child is never blocked on a full pipe.
func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *stderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(string(b.buf))
	if b.truncated {
		s += "\n... [stderr truncated]"
	}
	return s
}
