package conn

import "errors"

var (
	ErrPeerClosed = errors.New("peer closed connection")
	ErrNoRoot     = errors.New("document root is not a directory")
)
