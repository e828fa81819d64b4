package watch

import "bytes"

// Decoder splits a byte stream into lines. Chunks need not be line-aligned:
// a trailing partial line is kept and completed by later writes.
type Decoder struct {
	buf []byte
}

// Write appends chunk and returns every line it completes, without the line
// terminator. Lines end at "\n", "\r\n" or "\r"; blank lines are dropped.
func (d *Decoder) Write(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var lines [][]byte
	start := 0
	for i, c := range d.buf {
		if c != '\n' && c != '\r' {
			continue
		}
		if line := bytes.TrimSpace(d.buf[start:i]); len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		start = i + 1
	}
	d.buf = append(d.buf[:0], d.buf[start:]...)
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the decoder.
func (d *Decoder) Flush() []byte {
	line := bytes.TrimSpace(d.buf)
	d.buf = d.buf[:0]
	if len(line) == 0 {
		return nil
	}
	return bytes.Clone(line)
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int { return len(d.buf) }
