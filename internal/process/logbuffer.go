package process

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// LogEntry is a single line of provider output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer holding the last N lines a
// provider wrote to its diagnostic stream.
type LogBuffer struct {
	mu         sync.RWMutex
	entries    []LogEntry
	maxEntries int
}

// NewLogBuffer creates a log buffer that retains up to maxEntries lines.
func NewLogBuffer(maxEntries int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &LogBuffer{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Write appends a line, dropping the oldest when full.
func (lb *LogBuffer) Write(stream, line string) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Line:      line,
	}

	lb.mu.Lock()
	if len(lb.entries) >= lb.maxEntries {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.mu.Unlock()
}

// Recent returns the last n entries, or all of them when n <= 0.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]LogEntry, n)
	copy(result, lb.entries[total-n:])
	return result
}

// Tail returns the most recent line, or "" when empty.
func (lb *LogBuffer) Tail() string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if len(lb.entries) == 0 {
		return ""
	}
	return lb.entries[len(lb.entries)-1].Line
}

// Writer returns an io.Writer that splits its input into lines tagged
// with stream. A trailing partial line is held until completed or Flush.
func (lb *LogBuffer) Writer(stream string) *LineWriter {
	return &LineWriter{buf: lb, stream: stream}
}

type LineWriter struct {
	buf     *LogBuffer
	stream  string
	mu      sync.Mutex
	partial []byte
}

var _ io.Writer = (*LineWriter)(nil)

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(data[:i], "\r")
		if len(line) > 0 {
			w.buf.Write(w.stream, string(line))
		}
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0:0], data...)
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.buf.Write(w.stream, string(w.partial))
		w.partial = nil
	}
}
