package logger

import (
	"bytes"
	"io"
	"sync"
)

// MaxLineBytes caps how much of an unterminated line is buffered; longer
// runs are emitted in MaxLineBytes chunks, each ended with a newline.
const MaxLineBytes = 64 << 10

// PrefixWriter forwards complete lines to an underlying writer, each line
// prefixed with "[name] ". Partial lines are buffered until a newline
// arrives, MaxLineBytes accumulate, or Close is called. Several
// PrefixWriters may share one destination; each line is emitted with a
// single Write.
type PrefixWriter struct {
	mu     sync.Mutex
	dst    io.Writer
	prefix []byte
	buf    []byte
}

// NewPrefixWriter returns a PrefixWriter tagging lines with name.
func NewPrefixWriter(dst io.Writer, name string) *PrefixWriter {
	return &PrefixWriter{dst: dst, prefix: []byte("[" + name + "] ")}
}

func (w *PrefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	rest := w.buf
	var err error
	for err == nil {
		if i := bytes.IndexByte(rest, '\n'); i >= 0 && i < MaxLineBytes {
			err = w.emit(rest[:i+1])
			rest = rest[i+1:]
			continue
		}
		if len(rest) < MaxLineBytes {
			break
		}
		err = w.emit(append(rest[:MaxLineBytes:MaxLineBytes], '\n'))
		rest = rest[MaxLineBytes:]
	}
	// keep only the unterminated tail so the backing array can be released
	w.buf = append(w.buf[:0:0], rest...)
	return len(p), err
}

// Close flushes a trailing partial line.
func (w *PrefixWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return nil
	}
	line := append(w.buf, '\n')
	w.buf = nil
	return w.emit(line)
}

func (w *PrefixWriter) emit(line []byte) error {
	out := make([]byte, 0, len(w.prefix)+len(line))
	out = append(out, w.prefix...)
	out = append(out, line...)
	_, err := w.dst.Write(out)
	return err
}
