package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/s00inx/goserver/server/conn"
)

// shut down connections idle for longer than IdleTimeout
// shutdown wakes the poller, the worker then sees EOF and closes the conn
func (e *Engine) Sweep() int {
	if e.opts.IdleTimeout <= 0 {
		return 0
	}
	now := e.opts.Clock.Now()
	n := 0
	for fd := range e.conns {
		c := e.conns[fd].Load()
		if c == nil || now.Sub(c.LastActive()) < e.opts.IdleTimeout {
			continue
		}
		if e.evict(fd, c) {
			n++
		}
	}
	return n
}

// shut fd down only while c still owns it
// a release and accept between the idle check and here hands fd to a new conn
func (e *Engine) evict(fd int, c *conn.Conn) bool {
	if e.conns[fd].Load() != c {
		return false
	}
	if err := shutdownFd(fd); err != nil {
		e.log.Debug("idle shutdown failed", zap.Int("fd", fd), zap.Error(err))
		return false
	}
	e.log.Debug("idle connection evicted", zap.Int("fd", fd))
	return true
}

// run Sweep on schedule until ctx is done
func (e *Engine) runSweeper(ctx context.Context) error {
	if e.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	sched, err := cron.ParseStandard(e.opts.SweepSchedule)
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", e.opts.SweepSchedule, err)
	}

	c := cron.New(cron.WithLogger(cronLogger{e.log.Sugar()}))
	c.Schedule(sched, cron.FuncJob(func() {
		if n := e.Sweep(); n > 0 {
			e.log.Info("idle connections evicted", zap.Int("count", n), zap.Int64("live", e.live.Load()))
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cron.Logger on top of zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.s.Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}
