package supervisor

import (
	"bytes"
	"sync"
)

// maxOutputBytes bounds the diagnostic output kept per stream.
const maxOutputBytes = 64 << 10

// outputBuffer keeps the tail of a runner's stdout or stderr and reports
// every complete line to onLine.
type outputBuffer struct {
	mu      sync.Mutex
	kept    []byte
	partial []byte
	limit   int
	onLine  func(line string)
}

func newOutputBuffer(limit int, onLine func(string)) *outputBuffer {
	return &outputBuffer{limit: limit, onLine: onLine}
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	o.kept = append(o.kept, p...)
	if over := len(o.kept) - o.limit; over > 0 {
		o.kept = o.kept[over:]
	}

	o.partial = append(o.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(o.partial[:i], "\r")))
		o.partial = o.partial[i+1:]
	}
	if len(o.partial) > o.limit {
		lines = append(lines, string(o.partial))
		o.partial = nil
	}
	o.mu.Unlock()

	if o.onLine != nil {
		for _, l := range lines {
			o.onLine(l)
		}
	}
	return len(p), nil
}

// Flush reports a trailing line without newline.
func (o *outputBuffer) Flush() {
	o.mu.Lock()
	rest := o.partial
	o.partial = nil
	o.mu.Unlock()
	if len(rest) > 0 && o.onLine != nil {
		o.onLine(string(rest))
	}
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.kept)
}
