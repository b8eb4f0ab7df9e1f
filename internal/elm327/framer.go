package elm327

// Framer assembles a byte stream into ELM327 command lines. Per spec
// §4.2, `\r` terminates a line; `\r\n` is tolerated (the `\n` is simply
// ignored, never accumulated into the buffer). A bare `\r` with nothing
// buffered is an empty line (used for "repeat last command").
type Framer struct {
	buf []byte
}

// Feed appends one received byte. When it completes a line (a `\r` was
// just seen), Feed returns the completed line (without the terminator)
// and ok=true, and resets the internal buffer for the next line. `\n`
// bytes are swallowed unconditionally.
func (f *Framer) Feed(b byte) (line string, ok bool) {
	switch b {
	case '\n':
		return "", false
	case '\r':
		line = string(f.buf)
		f.buf = f.buf[:0]
		return line, true
	default:
		f.buf = append(f.buf, b)
		return "", false
	}
}
