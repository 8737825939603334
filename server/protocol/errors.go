package protocol

import "errors"

// errors for parsing, all of them mean MalformedRequest
var (
	ErrBadLine          = errors.New("invalid line terminator")
	ErrBadRequestLine   = errors.New("invalid request line")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrBadTarget        = errors.New("invalid request target")
	ErrBadVersion       = errors.New("unsupported protocol version")
	ErrBadHeader        = errors.New("invalid header line")
	ErrBadContentLength = errors.New("invalid content-length")
	ErrBodyTooLarge     = errors.New("body can never fit read buffer")
)

// errors for buffers
var (
	ErrBufferSize    = errors.New("invalid buffer size")
	ErrBufferOverrun = errors.New("commit beyond buffer capacity")
	ErrBufferFull    = errors.New("read buffer is full")
	ErrWriteOverflow = errors.New("response does not fit write buffer")
)
