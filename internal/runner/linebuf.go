package runner

import "bytes"

// LineBuffer frames a byte stream into newline-terminated lines. Bytes after
// the last newline are held until more data arrives or Flush is called.
type LineBuffer struct {
	buf []byte
}

// Write appends p and returns the lines it completed, without their
// terminating newline.
func (b *LineBuffer) Write(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(b.buf[:i]))
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Flush returns and clears the pending partial line.
func (b *LineBuffer) Flush() string {
	s := string(b.buf)
	b.buf = nil
	return s
}

// Pending reports the number of buffered bytes.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
