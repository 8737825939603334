package protocol

// lookup table for status codes
// i use flat list instead of map bc codes is fixed
var statusTable = [505][]byte{
	200: []byte("200 OK"),

	400: []byte("400 Bad Request"),
	403: []byte("403 Forbidden"),
	404: []byte("404 Not Found"),

	500: []byte("500 Internal Server Error"),
}

// bodies for error responses
var errorPages = [505][]byte{
	400: []byte("Your request has bad syntax or is inherently impossible to satisfy.\n"),
	403: []byte("You do not have permission to get this file from the server.\n"),
	404: []byte("The requested file was not found on this server.\n"),
	500: []byte("There was an unusual problem serving the requested file.\n"),
}

// for fast access
var (
	proto = []byte("HTTP/1.1 ")
	crlf  = []byte("\r\n")
	colon = []byte(": ")

	hdrContentType = []byte("Content-Type")

	// written when a response does not fit, it always fits MinWriteBufferSize
	fallbackBody = []byte("Internal Error\n")
)

// helper func to copy int to pre-allocated buf with zero-alloc, buf is dst[n:]
// n should be uint bc / 10 (and % 10) for uints is faster (compiler use division by invariant integers), and our len or code > 0
func IntToBuf(buf []byte, n uint) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return copy(buf, tmp[i:])
}

func statusLine(code int) []byte {
	if code < 0 || code >= len(statusTable) || statusTable[code] == nil {
		return statusTable[500]
	}
	return statusTable[code]
}

// fixed body for error status, nil for 200
func ErrorPage(code int) []byte {
	if code < 0 || code >= len(errorPages) {
		return errorPages[500]
	}
	return errorPages[code]
}

// response head description
// Body is copied inline after the head, otherwise ContentLength bytes are sent by the caller
type Response struct {
	Status        int
	ContentLength int
	ContentType   string
	KeepAlive     bool
	Body          []byte
}

// typed appends, each is bounds checked and all or nothing
func (w *WriteBuffer) AddStatusLine(code int) bool {
	return w.append(proto) && w.append(statusLine(code)) && w.append(crlf)
}

func (w *WriteBuffer) AddHeader(name, value []byte) bool {
	return w.append(name) && w.append(colon) && w.append(value) && w.append(crlf)
}

func (w *WriteBuffer) AddHeaderString(name []byte, value string) bool {
	return w.append(name) && w.append(colon) && w.appendString(value) && w.append(crlf)
}

func (w *WriteBuffer) AddContentLength(n int) bool {
	if n < 0 {
		return false
	}
	return w.append(hdrContentLength) && w.append(colon) && w.appendUint(uint(n)) && w.append(crlf)
}

func (w *WriteBuffer) AddConnection(keep bool) bool {
	if keep {
		return w.AddHeader(hdrConnection, valKeepAlive)
	}
	return w.AddHeader(hdrConnection, valClose)
}

func (w *WriteBuffer) AddBlankLine() bool {
	return w.append(crlf)
}

func (w *WriteBuffer) AddContent(p []byte) bool {
	return w.append(p)
}

func (w *WriteBuffer) build(r Response) bool {
	cl := r.ContentLength
	if r.Body != nil {
		cl = len(r.Body)
	}
	ct := r.ContentType
	if ct == "" {
		ct = DefaultContentType
	}

	return w.AddStatusLine(r.Status) &&
		w.AddContentLength(cl) &&
		w.AddHeaderString(hdrContentType, ct) &&
		w.AddConnection(r.KeepAlive) &&
		w.AddBlankLine() &&
		w.AddContent(r.Body)
}

// serialize response into write buffer
// if it does not fit the buffer holds a minimal 500 instead and ErrWriteOverflow is returned
// returns status code actually written
func (w *WriteBuffer) BuildResponse(r Response) (int, error) {
	w.Reset()
	if w.build(r) {
		return r.Status, nil
	}

	w.Reset()
	w.build(Response{Status: 500, Body: fallbackBody})
	return 500, ErrWriteOverflow
}
