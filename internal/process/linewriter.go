package process

import (
	"bytes"
	"strings"
	"sync"
)

// maxPartialLine bounds a line that never sees a newline.
const maxPartialLine = 64 * 1024

// lineWriter splits a byte stream into trimmed, non-empty lines and hands each
// to emit. It is used as cmd.Stderr/cmd.Stdout so os/exec owns the copy
// goroutine and cmd.Wait observes its completion.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxPartialLine {
		w.send(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) send(b []byte) {
	line := strings.TrimSpace(string(b))
	if line == "" {
		return
	}
	w.emit(line)
}
