package exec

import "strings"

// cappedBuffer keeps the first max bytes written and drops the rest. Session
// command output is relayed into a model context window, so unbounded capture
// is never acceptable.
type cappedBuffer struct {
	buf       strings.Builder
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	return b.truncated
}
