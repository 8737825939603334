package protocol

type lineStatus uint8

const (
	lineOK   lineStatus = iota // full line read
	lineBad                    // broken terminator
	lineOpen                   // need more data
)

// line reader, scans from consumed to received for CRLF
// on success returns line without terminator and moves consumed past it;
// lineStart is moved by the caller
func (b *ReadBuffer) readLine(bareLF bool) (lineStatus, View) {
	for i := b.consumed; i < b.received; i++ {
		switch b.buf[i] {
		case '\r':
			// terminator may be split across reads, rescan from '\r'
			if i+1 == b.received {
				b.consumed = i
				return lineOpen, View{}
			}
			if b.buf[i+1] != '\n' {
				return lineBad, View{}
			}
			v := View{St: uint16(b.lineStart), End: uint16(i)}
			b.consumed = i + 2
			return lineOK, v
		case '\n':
			if !bareLF {
				return lineBad, View{}
			}
			v := View{St: uint16(b.lineStart), End: uint16(i)}
			b.consumed = i + 1
			return lineOK, v
		}
	}

	b.consumed = b.received
	return lineOpen, View{}
}
