// per-connection request engine
// one socket, one fixed read buffer, head and mapped file sent in a single writev
// driven by one goroutine at a time, only LastActive is safe to call concurrently
package conn

import (
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/s00inx/goserver/server/auth"
	"github.com/s00inx/goserver/server/protocol"
)

const (
	DefaultReadBufferSize  = 2048
	DefaultWriteBufferSize = 1024
)

type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	AllowBareLF     bool

	Store  auth.Store
	Logger *zap.Logger
	Clock  clock.Clock
}

type Conn struct {
	sock Socket
	peer netip.AddrPort
	res  *Resolver
	log  *zap.Logger
	clk  clock.Clock

	rb     *protocol.ReadBuffer
	wb     *protocol.WriteBuffer
	parser protocol.Parser
	users  userCache

	verdict   protocol.Verdict
	outcome   Outcome
	status    int
	keepAlive bool
	granted   bool
	eof       bool

	file     Mapping
	iov      [2][]byte
	iovCount int
	toSend   int
	sent     int

	lastActive atomic.Int64
	closed     atomic.Bool
}

func New(sock Socket, peer netip.AddrPort, res *Resolver, o Options) (*Conn, error) {
	if o.ReadBufferSize == 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = DefaultWriteBufferSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}

	rb, err := protocol.NewReadBuffer(o.ReadBufferSize)
	if err != nil {
		return nil, err
	}
	wb, err := protocol.NewWriteBuffer(o.WriteBufferSize)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		res:    res,
		log:    o.Logger,
		clk:    o.Clock,
		rb:     rb,
		wb:     wb,
		parser: protocol.Parser{AllowBareLF: o.AllowBareLF},
		users:  userCache{store: o.Store, log: o.Logger},
	}
	c.Init(sock, peer)
	return c, nil
}

// bind a fresh or recycled conn to a new socket, buffers are kept
func (c *Conn) Init(sock Socket, peer netip.AddrPort) {
	_ = c.file.Release()
	c.sock = sock
	c.peer = peer
	c.rb.Reset()
	c.users.reset()
	c.eof = false
	c.closed.Store(false)
	c.resetExchange()
	c.touch()
}

func (c *Conn) Peer() netip.AddrPort             { return c.peer }
func (c *Conn) Verdict() protocol.Verdict        { return c.verdict }
func (c *Conn) Outcome() Outcome                 { return c.outcome }
func (c *Conn) Status() int                      { return c.status }
func (c *Conn) KeepAlive() bool                  { return c.keepAlive }
func (c *Conn) Granted() bool                    { return c.granted }
func (c *Conn) Request() *protocol.Request       { return c.parser.Request() }
func (c *Conn) ReadBuffer() *protocol.ReadBuffer { return c.rb }

// bytes of the current response not yet sent
func (c *Conn) Pending() int { return c.toSend }
func (c *Conn) Sent() int    { return c.sent }

// time of the last successful read or write
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Conn) touch() {
	c.lastActive.Store(c.clk.Now().UnixNano())
}

// read until the socket would block or the buffer is full
// returns ErrPeerClosed on orderly shutdown, bytes read before it are kept
func (c *Conn) AppendInput() (int, error) {
	total := 0
	for {
		free := c.rb.Free()
		if len(free) == 0 {
			break
		}
		n, err := c.sock.Read(free)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			return total, err
		}
		if n == 0 {
			c.eof = true
			if total > 0 {
				c.touch()
			}
			return total, ErrPeerClosed
		}
		if err := c.rb.Commit(n); err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		c.touch()
	}
	return total, nil
}

// run the parser over buffered input and prepare a response if a request is complete
func (c *Conn) Process() Action {
	if c.toSend > 0 {
		return ActionWrite
	}

	v, err := c.parser.Parse(c.rb)
	c.verdict = v
	switch v {
	case protocol.NeedMoreData:
		if c.eof {
			c.verdict = protocol.PeerClosed
			c.outcome = PeerClosed
			return ActionClose
		}
		if c.rb.Full() {
			c.log.Debug("request does not fit read buffer", zap.Stringer("peer", c.peer), zap.Int("size", c.rb.Cap()))
			return c.respond(Resolution{Outcome: InternalError})
		}
		return ActionRead
	case protocol.MalformedRequest:
		c.log.Debug("malformed request", zap.Stringer("peer", c.peer), zap.Error(err))
		if errors.Is(err, protocol.ErrBodyTooLarge) {
			return c.respond(Resolution{Outcome: InternalError})
		}
		return c.respond(Resolution{Outcome: MalformedRequest})
	}

	req := c.parser.Request()
	if !req.Within(c.rb.Received()) {
		return c.respond(Resolution{Outcome: InternalError})
	}
	c.keepAlive = req.KeepAlive && !c.eof
	return c.respond(c.res.Resolve(req, c.rb, &c.users))
}

// build the response head and queue head plus file for sending
func (c *Conn) respond(r Resolution) Action {
	switch r.Outcome {
	case MalformedRequest, InternalError:
		c.keepAlive = false
	}

	resp := protocol.Response{Status: r.Outcome.Status(), KeepAlive: c.keepAlive}
	switch r.Outcome {
	case FileReady, CredentialAction:
		resp.ContentLength = r.Size
		resp.ContentType = protocol.ContentType(r.Name)
	default:
		resp.Body = protocol.ErrorPage(resp.Status)
	}

	status, err := c.wb.BuildResponse(resp)
	if err != nil {
		c.log.Warn("response does not fit write buffer", zap.Stringer("peer", c.peer), zap.Error(err))
		if rerr := r.Mapping.Release(); rerr != nil {
			c.log.Warn("munmap failed", zap.Error(rerr))
		}
		r = Resolution{Outcome: InternalError}
		c.keepAlive = false
	}

	c.outcome = r.Outcome
	c.status = status
	c.granted = r.Granted
	c.file = r.Mapping

	c.iov[0] = c.wb.Bytes()
	c.iovCount = 1
	if data := c.file.Bytes(); len(data) > 0 {
		c.iov[1] = data
		c.iovCount = 2
	}
	c.toSend = len(c.iov[0]) + len(c.iov[1])
	c.sent = 0

	c.log.Debug("response",
		zap.Stringer("peer", c.peer),
		zap.Stringer("outcome", c.outcome),
		zap.Int("status", c.status),
		zap.Int("bytes", c.toSend),
		zap.Bool("keepalive", c.keepAlive),
	)
	return ActionWrite
}

// clear per-request state, unparsed pipelined bytes move to the buffer front
func (c *Conn) ResetForNextRequest() {
	c.rb.Compact()
	c.resetExchange()
}

func (c *Conn) resetExchange() {
	if err := c.file.Release(); err != nil {
		c.log.Warn("munmap failed", zap.Error(err))
	}
	c.wb.Reset()
	c.parser.Reset()
	c.iov = [2][]byte{}
	c.iovCount = 0
	c.toSend = 0
	c.sent = 0
	c.verdict = protocol.NeedMoreData
	c.outcome = NeedMoreData
	c.status = 0
	c.keepAlive = false
	c.granted = false
}

// socket became readable
func (c *Conn) OnReadable() Action {
	if _, err := c.AppendInput(); err != nil && !errors.Is(err, ErrPeerClosed) {
		c.log.Debug("read failed", zap.Stringer("peer", c.peer), zap.Error(err))
		return ActionClose
	}
	return c.Process()
}

// socket became writable, pipelined requests already buffered are served
// without waiting for another read event
func (c *Conn) OnWritable() Action {
	act := c.FlushOutput()
	if act == ActionRead && c.rb.Buffered() > 0 {
		return c.Process()
	}
	return act
}

// release mapping and socket, later calls are no-ops
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := multierr.Combine(
		c.file.Release(),
		c.sock.Close(),
	)
	c.iov = [2][]byte{}
	c.iovCount = 0
	c.toSend = 0
	c.users.reset()
	return err
}
