// low level socket of a connection, only non-blocking syscalls
package conn

import (
	"golang.org/x/sys/unix"
)

// socket as seen by the connection
// Read and Writev never block, they report unix.EAGAIN instead
type Socket interface {
	Read(p []byte) (int, error)
	Writev(iovs [][]byte) (int, error)
	Close() error
}

// socket on a raw non-blocking descriptor
type fdSocket struct {
	fd int
}

func NewFDSocket(fd int) Socket {
	return &fdSocket{fd: fd}
}

func (s *fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// scatter-gather send, MSG_NOSIGNAL so a reset peer is an EPIPE and not a signal
func (s *fdSocket) Writev(iovs [][]byte) (int, error) {
	n, err := unix.SendmsgBuffers(s.fd, iovs, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fdSocket) Close() error {
	return unix.Close(s.fd)
}
