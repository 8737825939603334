package conn

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// send as much of the pending response as the socket takes
// ActionWrite while bytes remain, then ActionRead for keep-alive or ActionClose
func (c *Conn) FlushOutput() Action {
	for c.toSend > 0 {
		n, err := c.sock.Writev(c.iov[:c.iovCount])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return ActionWrite
			}
			c.log.Debug("write failed", zap.Stringer("peer", c.peer), zap.Error(err))
			if rerr := c.file.Release(); rerr != nil {
				c.log.Warn("munmap failed", zap.Error(rerr))
			}
			return ActionClose
		}
		if n == 0 {
			return ActionWrite
		}
		c.advance(n)
		c.touch()
	}
	return c.finish()
}

// drop n sent bytes from the front of the segments
func (c *Conn) advance(n int) {
	c.sent += n
	c.toSend -= n
	for n > 0 && c.iovCount > 0 {
		k := min(n, len(c.iov[0]))
		c.iov[0] = c.iov[0][k:]
		n -= k
		if len(c.iov[0]) == 0 {
			c.iov[0], c.iov[1] = c.iov[1], nil
			c.iovCount--
		}
	}
}

func (c *Conn) finish() Action {
	if err := c.file.Release(); err != nil {
		c.log.Warn("munmap failed", zap.Error(err))
	}
	if !c.keepAlive {
		return ActionClose
	}
	c.ResetForNextRequest()
	return ActionRead
}
