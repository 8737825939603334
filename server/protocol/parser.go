// incremental request parser over a connection read buffer
// only parser logic, no syscalls and no allocations
package protocol

import "bytes"

// largest content-length we agree to parse, far beyond any read buffer
const maxContentLength = 1 << 30

// exported form of parser state
type State uint8

const (
	StateRequestLine State = iota
	StateHeaders
	StateContent
	StateDone
)

// Content state carries the body length it waits for
type state struct {
	kind State
	body int
}

var (
	hdrHost          = []byte("Host")
	hdrConnection    = []byte("Connection")
	hdrContentLength = []byte("Content-Length")

	valKeepAlive = []byte("keep-alive")
	valClose     = []byte("close")

	schemeHTTP  = []byte("http://")
	schemeHTTPS = []byte("https://")
	http11      = []byte("HTTP/1.1")
	http10      = []byte("HTTP/1.0")
)

// request state machine: request line -> headers -> content
// parser keeps its state between calls so a request may arrive in any number of reads
type Parser struct {
	// accept bare LF as line terminator, CRLF only by default
	AllowBareLF bool

	st     state
	req    Request
	clSeen bool
}

func (p *Parser) Reset() {
	p.st = state{}
	p.req = Request{}
	p.clSeen = false
}

func (p *Parser) State() State {
	return p.st.kind
}

func (p *Parser) Request() *Request {
	return &p.req
}

// body length parser still waits for, 0 outside of content state
func (p *Parser) Pending() int {
	if p.st.kind != StateContent {
		return 0
	}
	return p.st.body
}

// drive the state machine over everything received so far
// once GetRequest is returned the parser stays done until Reset
func (p *Parser) Parse(b *ReadBuffer) (Verdict, error) {
	for {
		switch p.st.kind {
		case StateDone:
			return GetRequest, nil
		case StateContent:
			return p.parseContent(b), nil
		}

		status, line := b.readLine(p.AllowBareLF)
		switch status {
		case lineOpen:
			return NeedMoreData, nil
		case lineBad:
			return MalformedRequest, ErrBadLine
		}
		b.lineStart = b.consumed

		var err error
		switch p.st.kind {
		case StateRequestLine:
			err = p.parseRequestLine(b.buf, line)
		case StateHeaders:
			err = p.parseHeader(b, line)
		}
		if err != nil {
			return MalformedRequest, err
		}
	}
}

// METHOD SP target SP version, exactly three tokens
func (p *Parser) parseRequestLine(buf []byte, line View) error {
	raw := buf[line.St:line.End]

	sp1 := bytes.IndexByte(raw, ' ')
	if sp1 <= 0 {
		return ErrBadRequestLine
	}
	sp2 := bytes.IndexByte(raw[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrBadRequestLine
	}
	sp2 += sp1 + 1

	ver := raw[sp2+1:]
	if len(ver) == 0 || bytes.IndexByte(ver, ' ') != -1 {
		return ErrBadRequestLine
	}

	method, ok := lookupMethod(raw[:sp1])
	if !ok {
		return ErrUnknownMethod
	}
	if !bytes.EqualFold(ver, http11) && !bytes.EqualFold(ver, http10) {
		return ErrBadVersion
	}

	// target bounds in buf
	ts, te := int(line.St)+sp1+1, int(line.St)+sp2
	target := buf[ts:te]

	// absolute form, skip scheme and authority
	skip := 0
	switch {
	case hasPrefixFold(target, schemeHTTP):
		skip = len(schemeHTTP)
	case hasPrefixFold(target, schemeHTTPS):
		skip = len(schemeHTTPS)
	}
	if skip > 0 {
		slash := bytes.IndexByte(target[skip:], '/')
		if slash == -1 {
			return ErrBadTarget
		}
		ts += skip + slash
		target = buf[ts:te]
	}
	if len(target) == 0 || target[0] != '/' {
		return ErrBadTarget
	}
	for _, c := range target {
		if c < 0x20 || c == 0x7f {
			return ErrBadTarget
		}
	}

	p.req.Method = method
	if q := bytes.IndexByte(target, '?'); q != -1 {
		p.req.Path = View{St: uint16(ts), End: uint16(ts + q)}
		p.req.Query = View{St: uint16(ts + q + 1), End: uint16(te)}
	} else {
		p.req.Path = View{St: uint16(ts), End: uint16(te)}
	}
	p.req.Version = View{St: uint16(int(line.St) + sp2 + 1), End: line.End}

	p.st = state{kind: StateHeaders}
	return nil
}

// Name: value, or empty line that ends headers
func (p *Parser) parseHeader(b *ReadBuffer, line View) error {
	if line.Len() == 0 {
		// non-POST bodies are consumed too so they are not read as the next request
		if p.req.ContentLength == 0 {
			p.st = state{kind: StateDone}
			return nil
		}
		if b.lineStart+p.req.ContentLength > len(b.buf) {
			return ErrBodyTooLarge
		}
		p.st = state{kind: StateContent, body: p.req.ContentLength}
		return nil
	}

	raw := b.buf[line.St:line.End]
	colon := bytes.IndexByte(raw, ':')
	if colon <= 0 {
		return ErrBadHeader
	}
	name := raw[:colon]

	// trim value
	vs, ve := colon+1, len(raw)
	for vs < ve && (raw[vs] == ' ' || raw[vs] == '\t') {
		vs++
	}
	for ve > vs && (raw[ve-1] == ' ' || raw[ve-1] == '\t') {
		ve--
	}
	val := raw[vs:ve]

	switch {
	case bytes.EqualFold(name, hdrHost):
		p.req.Host = View{St: line.St + uint16(vs), End: line.St + uint16(ve)}
	case bytes.EqualFold(name, hdrConnection):
		if bytes.EqualFold(val, valKeepAlive) {
			p.req.KeepAlive = true
		} else if bytes.EqualFold(val, valClose) {
			p.req.KeepAlive = false
		}
	case bytes.EqualFold(name, hdrContentLength):
		n, ok := parseContentLength(val)
		if !ok || (p.clSeen && n != p.req.ContentLength) {
			return ErrBadContentLength
		}
		p.req.ContentLength = n
		p.clSeen = true
	}
	// unknown headers are ignored
	return nil
}

// body is taken by byte count, no line reading here
func (p *Parser) parseContent(b *ReadBuffer) Verdict {
	n := p.st.body
	if b.received-b.lineStart < n {
		return NeedMoreData
	}

	p.req.Body = View{St: uint16(b.lineStart), End: uint16(b.lineStart + n)}
	b.consumed = b.lineStart + n
	b.lineStart = b.consumed
	p.st = state{kind: StateDone}
	return GetRequest
}

func parseContentLength(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}

	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > maxContentLength {
			return 0, false
		}
	}
	return n, true
}

func hasPrefixFold(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], prefix)
}
