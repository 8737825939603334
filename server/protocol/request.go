package protocol

import "bytes"

type Method uint8

const (
	GET Method = iota
	POST
	HEAD
	PUT
	DELETE
	TRACE
	OPTIONS
	CONNECT
	PATCH
)

var methodNames = [...][]byte{
	GET:     []byte("GET"),
	POST:    []byte("POST"),
	HEAD:    []byte("HEAD"),
	PUT:     []byte("PUT"),
	DELETE:  []byte("DELETE"),
	TRACE:   []byte("TRACE"),
	OPTIONS: []byte("OPTIONS"),
	CONNECT: []byte("CONNECT"),
	PATCH:   []byte("PATCH"),
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return string(methodNames[m])
	}
	return "UNKNOWN"
}

// only GET and POST are served, the rest is parsed and rejected later
func (m Method) Serviced() bool {
	return m == GET || m == POST
}

func lookupMethod(b []byte) (Method, bool) {
	for m, name := range methodNames {
		if bytes.EqualFold(name, b) {
			return Method(m), true
		}
	}
	return 0, false
}

// parsed request, all views point into the connection read buffer
type Request struct {
	Method  Method
	Path    View
	Query   View
	Version View
	Host    View
	Body    View

	ContentLength int
	KeepAlive     bool
}

func (r *Request) BodyExpected() bool {
	return r.Method == POST && r.ContentLength > 0
}

// every view lies inside buf[:limit]
func (r *Request) Within(limit int) bool {
	return r.Path.Within(limit) && r.Query.Within(limit) && r.Version.Within(limit) &&
		r.Host.Within(limit) && r.Body.Within(limit)
}

// verdict of the request state machine
type Verdict uint8

const (
	NeedMoreData Verdict = iota
	GetRequest
	MalformedRequest
	PeerClosed
)

var verdictNames = [...]string{
	NeedMoreData:     "NeedMoreData",
	GetRequest:       "GetRequest",
	MalformedRequest: "MalformedRequest",
	PeerClosed:       "PeerClosed",
}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "Verdict(?)"
}
