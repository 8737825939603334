// fixed capacity buffers of a connection, they never grow
package protocol

const (
	MaxReadBufferSize = 1<<16 - 1 // views are uint16

	// smallest write buffer that still holds the fallback 500 response
	MinWriteBufferSize = 128
)

// read side of connection
// 0 <= lineStart <= consumed <= received <= len(buf)
type ReadBuffer struct {
	buf       []byte
	received  int // end of data read from socket
	consumed  int // end of data checked by line reader
	lineStart int // start of line being parsed
}

func NewReadBuffer(size int) (*ReadBuffer, error) {
	if size <= 0 || size > MaxReadBufferSize {
		return nil, ErrBufferSize
	}
	return &ReadBuffer{buf: make([]byte, size)}, nil
}

func (b *ReadBuffer) Cap() int       { return len(b.buf) }
func (b *ReadBuffer) Received() int  { return b.received }
func (b *ReadBuffer) Consumed() int  { return b.consumed }
func (b *ReadBuffer) LineStart() int { return b.lineStart }

func (b *ReadBuffer) Full() bool {
	return b.received == len(b.buf)
}

// unconsumed bytes, after a finished request this is the pipelined tail
func (b *ReadBuffer) Buffered() int {
	return b.received - b.consumed
}

// free tail for socket reads, must be followed by Commit
func (b *ReadBuffer) Free() []byte {
	return b.buf[b.received:]
}

func (b *ReadBuffer) Commit(n int) error {
	if n < 0 || n > len(b.buf)-b.received {
		return ErrBufferOverrun
	}
	b.received += n
	return nil
}

// copy p into free tail, short write means buffer is full
func (b *ReadBuffer) Write(p []byte) (int, error) {
	n := copy(b.buf[b.received:], p)
	b.received += n
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// bytes of view, nil if view is outside of received data
func (b *ReadBuffer) Bytes(v View) []byte {
	if !v.Within(b.received) {
		return nil
	}
	return b.buf[v.St:v.End]
}

// move unconsumed bytes to the start and rewind cursors
// every view taken before is invalid after this
func (b *ReadBuffer) Compact() {
	if b.consumed > 0 {
		rem := copy(b.buf, b.buf[b.consumed:b.received])
		b.received = rem
	}
	b.consumed = 0
	b.lineStart = 0
}

func (b *ReadBuffer) Reset() {
	b.received = 0
	b.consumed = 0
	b.lineStart = 0
}

// write side of connection, content is valid only while pending > 0
type WriteBuffer struct {
	buf     []byte
	pending int
}

func NewWriteBuffer(size int) (*WriteBuffer, error) {
	if size < MinWriteBufferSize {
		return nil, ErrBufferSize
	}
	return &WriteBuffer{buf: make([]byte, size)}, nil
}

func (w *WriteBuffer) Cap() int      { return len(w.buf) }
func (w *WriteBuffer) Len() int      { return w.pending }
func (w *WriteBuffer) Bytes() []byte { return w.buf[:w.pending] }
func (w *WriteBuffer) Reset()        { w.pending = 0 }

// all appends are all or nothing, false means no space left
func (w *WriteBuffer) append(p []byte) bool {
	if len(p) > len(w.buf)-w.pending {
		return false
	}
	w.pending += copy(w.buf[w.pending:], p)
	return true
}

func (w *WriteBuffer) appendString(s string) bool {
	if len(s) > len(w.buf)-w.pending {
		return false
	}
	w.pending += copy(w.buf[w.pending:], s)
	return true
}

func (w *WriteBuffer) appendUint(n uint) bool {
	var tmp [20]byte
	k := IntToBuf(tmp[:], n)
	return w.append(tmp[:k])
}
