package capture

import (
	"bytes"
	"io"
)

// OutputBuffer accumulates bytes for one logical channel and forwards them to
// its destination only at line boundaries. The merge consumer keeps one per
// channel, which guarantees that two independently produced streams never
// interleave inside a single line.
type OutputBuffer struct {
	dst     io.Writer
	pending []byte
}

// NewOutputBuffer returns an OutputBuffer writing to dst.
func NewOutputBuffer(dst io.Writer) *OutputBuffer {
	return &OutputBuffer{dst: dst}
}

// Add appends p to the pending bytes and writes everything up to and
// including the last line terminator to the destination. The unterminated
// remainder stays buffered.
func (b *OutputBuffer) Add(p []byte) error {
	b.pending = append(b.pending, p...)
	i := bytes.LastIndexByte(b.pending, '\n')
	if i < 0 {
		return nil
	}
	if _, err := b.dst.Write(b.pending[:i+1]); err != nil {
		return err
	}
	b.pending = b.pending[i+1:]
	return nil
}

// Flush writes whatever remains, possibly a partial line, and clears the
// buffer.
func (b *OutputBuffer) Flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	_, err := b.dst.Write(b.pending)
	b.pending = nil
	return err
}
