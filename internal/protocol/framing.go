package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize bounds a single newline-delimited message.
const MaxFrameSize = 16 << 20

// LineReader yields one newline-delimited frame at a time, skipping blank
// lines.
type LineReader struct {
	sc *bufio.Scanner
}

func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &LineReader{sc: sc}
}

// Next returns the next frame. The returned slice is owned by the caller.
// It returns io.EOF once the stream ends cleanly.
func (lr *LineReader) Next() ([]byte, error) {
	for lr.sc.Scan() {
		line := bytes.TrimSpace(lr.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
	if err := lr.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

var errEmbeddedNewline = errors.New("frame contains a newline")

// WriteLine writes frame followed by a newline in a single Write.
func WriteLine(w io.Writer, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errEmbeddedNewline
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
