// epoll loop and worker pool driving conns
// every fd is armed with EPOLLONESHOT so one worker owns a conn until it re-arms it
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/s00inx/goserver/server/conn"
	"github.com/s00inx/goserver/server/protocol"
)

var ErrClosed = errors.New("engine: closed")

const DefaultSweepSchedule = "@every 5s"

type Options struct {
	Addr          netip.AddrPort
	Workers       int
	MaxQueue      int
	MaxConns      int  // 0 is unlimited
	EdgeTriggered bool // EPOLLET on connection sockets
	IdleTimeout   time.Duration
	SweepSchedule string

	Conn   conn.Options
	Logger *zap.Logger
	Clock  clock.Clock
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = 1024
	}
	if o.SweepSchedule == "" {
		o.SweepSchedule = DefaultSweepSchedule
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Conn.Logger == nil {
		o.Conn.Logger = o.Logger
	}
	if o.Conn.Clock == nil {
		o.Conn.Clock = o.Clock
	}
}

// process-wide state of the server: listener, epoll instance and fd-indexed connection table
type Engine struct {
	opts Options
	log  *zap.Logger
	res  *conn.Resolver

	lfd    int
	epfd   int
	wakefd int
	addr   netip.AddrPort

	conns []atomic.Pointer[conn.Conn]
	live  atomic.Int64
	free  sync.Pool
	pool  *Pool
	busy  []byte

	running atomic.Bool
	closed  atomic.Bool
}

func New(res *conn.Resolver, o Options) (_ *Engine, err error) {
	o.setDefaults()

	e := &Engine{
		opts:   o,
		log:    o.Logger,
		res:    res,
		lfd:    -1,
		epfd:   -1,
		wakefd: -1,
		conns:  make([]atomic.Pointer[conn.Conn], tableSize()),
	}
	defer func() {
		if err != nil {
			e.closeFds()
		}
	}()

	if e.pool, err = NewPool(o.Workers, o.MaxQueue, e.serve); err != nil {
		return nil, err
	}
	if e.busy, err = busyResponse(); err != nil {
		return nil, err
	}

	if e.lfd, err = listenSocket(o.Addr); err != nil {
		return nil, err
	}
	sa, err := unix.Getsockname(e.lfd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	e.addr = fromSockaddr(sa)

	if e.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	if e.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := epollAdd(e.epfd, e.lfd, unix.EPOLLIN); err != nil {
		return nil, fmt.Errorf("epoll add listener: %w", err)
	}
	if err := epollAdd(e.epfd, e.wakefd, unix.EPOLLIN); err != nil {
		return nil, fmt.Errorf("epoll add eventfd: %w", err)
	}
	return e, nil
}

// answer sent when MaxConns is reached
func busyResponse() ([]byte, error) {
	w, err := protocol.NewWriteBuffer(protocol.MinWriteBufferSize)
	if err != nil {
		return nil, err
	}
	if _, err := w.BuildResponse(protocol.Response{Status: 500, Body: []byte("Internal server busy")}); err != nil {
		return nil, err
	}
	return append([]byte(nil), w.Bytes()...), nil
}

// bound address, useful when listening on port 0
func (e *Engine) Addr() netip.AddrPort {
	return e.addr
}

// number of open connections
func (e *Engine) Live() int {
	return int(e.live.Load())
}

// serve until ctx is done or the poller fails, then close everything
// queued events are handled before Run returns
func (e *Engine) Run(ctx context.Context) error {
	if e.closed.Load() || !e.running.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.log.Info("engine started",
		zap.Stringer("addr", e.addr),
		zap.Int("workers", e.opts.Workers),
		zap.Bool("edge_triggered", e.opts.EdgeTriggered),
		zap.Int("table", len(e.conns)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.poll() })
	g.Go(func() error { return e.pool.Run(ctx) })
	g.Go(func() error { return e.runSweeper(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return e.wake()
	})

	err := g.Wait()
	err = multierr.Append(err, e.Close())
	e.log.Info("engine stopped", zap.Error(err))
	return err
}

func (e *Engine) wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(e.wakefd, one[:])
	return err
}

func (e *Engine) poll() error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(e.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case e.wakefd:
				return nil
			case e.lfd:
				e.accept()
			default:
				if !e.pool.Submit(job{fd: fd}) {
					e.log.Warn("worker queue full, dropping connection", zap.Int("fd", fd))
					if c := e.conns[fd].Load(); c != nil {
						e.release(fd, c)
					}
				}
			}
		}
	}
}

// accept until the backlog is empty
func (e *Engine) accept() {
	for {
		nfd, sa, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		peer := fromSockaddr(sa)

		if nfd >= len(e.conns) {
			e.log.Warn("descriptor outside connection table", zap.Int("fd", nfd))
			unix.Close(nfd)
			continue
		}
		if e.opts.MaxConns > 0 && e.live.Load() >= int64(e.opts.MaxConns) {
			e.log.Debug("connection limit reached", zap.Int("fd", nfd), zap.Stringer("peer", peer))
			unix.Write(nfd, e.busy)
			unix.Close(nfd)
			continue
		}

		c, err := e.get(conn.NewFDSocket(nfd), peer)
		if err != nil {
			e.log.Error("connection setup failed", zap.Error(err))
			unix.Close(nfd)
			continue
		}
		e.conns[nfd].Store(c)
		e.live.Inc()

		if err := epollAdd(e.epfd, nfd, e.events(unix.EPOLLIN)); err != nil {
			e.log.Warn("epoll add failed", zap.Int("fd", nfd), zap.Error(err))
			e.release(nfd, c)
			continue
		}
		e.log.Debug("connection accepted", zap.Int("fd", nfd), zap.Stringer("peer", peer))
	}
}

func (e *Engine) events(ev uint32) uint32 {
	ev |= unix.EPOLLONESHOT
	if e.opts.EdgeTriggered {
		ev |= unix.EPOLLET
	}
	return ev
}

// reuse a closed conn and its buffers when one is available
func (e *Engine) get(sock conn.Socket, peer netip.AddrPort) (*conn.Conn, error) {
	if c, ok := e.free.Get().(*conn.Conn); ok {
		c.Init(sock, peer)
		return c, nil
	}
	return conn.New(sock, peer, e.res, e.opts.Conn)
}

// worker side of one readiness event
func (e *Engine) serve(j job) {
	c := e.conns[j.fd].Load()
	if c == nil {
		return
	}

	var act conn.Action
	if c.Pending() > 0 {
		act = c.OnWritable()
	} else {
		act = c.OnReadable()
	}

	switch act {
	case conn.ActionRead:
		if err := epollMod(e.epfd, j.fd, e.events(unix.EPOLLIN)); err != nil {
			e.log.Warn("epoll re-arm failed", zap.Int("fd", j.fd), zap.Error(err))
			e.release(j.fd, c)
		}
	case conn.ActionWrite:
		if err := epollMod(e.epfd, j.fd, e.events(unix.EPOLLOUT)); err != nil {
			e.log.Warn("epoll re-arm failed", zap.Int("fd", j.fd), zap.Error(err))
			e.release(j.fd, c)
		}
	default:
		e.release(j.fd, c)
	}
}

// drop conn from the table before closing, the fd may be reused by accept right after close
func (e *Engine) release(fd int, c *conn.Conn) {
	if !e.conns[fd].CompareAndSwap(c, nil) {
		return
	}
	if err := c.Close(); err != nil {
		e.log.Debug("close failed", zap.Int("fd", fd), zap.Error(err))
	}
	e.live.Dec()
	e.log.Debug("connection closed",
		zap.Int("fd", fd),
		zap.Stringer("peer", c.Peer()),
		zap.Stringer("outcome", c.Outcome()),
	)
	e.free.Put(c)
}

func shutdownFd(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

// close every connection and the engine descriptors
// must not race with Run, call it after Run returned or instead of Run
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for fd := range e.conns {
		c := e.conns[fd].Load()
		if c == nil {
			continue
		}
		e.conns[fd].Store(nil)
		e.live.Dec()
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, e.closeFds())
}

func (e *Engine) closeFds() error {
	var err error
	for _, fd := range []*int{&e.wakefd, &e.epfd, &e.lfd} {
		if *fd >= 0 {
			err = multierr.Append(err, unix.Close(*fd))
			*fd = -1
		}
	}
	return err
}
