// wires config, credential store, resolver and engine into a static file server
package server

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/s00inx/goserver/server/auth"
	"github.com/s00inx/goserver/server/config"
	"github.com/s00inx/goserver/server/conn"
	"github.com/s00inx/goserver/server/engine"
	"github.com/s00inx/goserver/server/router"
)

type Server struct {
	cfg    *config.Config
	log    *zap.Logger
	store  auth.Store
	engine *engine.Engine

	closers []func() error
}

// New opens the store and binds the listener, nothing is served before Run
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.close())
		}
	}()

	if s.store, err = s.openStore(ctx); err != nil {
		return nil, err
	}

	res, err := conn.NewResolver(cfg.DocRoot, router.Default(cfg.Index), conn.DefaultPages, log.Named("resolver"))
	if err != nil {
		return nil, fmt.Errorf("doc root %q: %w", cfg.DocRoot, err)
	}

	s.engine, err = engine.New(res, engine.Options{
		Addr:          cfg.AddrPort(),
		Workers:       cfg.Workers,
		MaxQueue:      cfg.MaxQueue,
		MaxConns:      cfg.MaxConns,
		EdgeTriggered: cfg.EdgeTriggered,
		IdleTimeout:   cfg.IdleTimeout,
		SweepSchedule: cfg.SweepSchedule,
		Conn: conn.Options{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			AllowBareLF:     cfg.AllowBareLF,
			Store:           s.store,
			Logger:          log.Named("conn"),
		},
		Logger: log.Named("engine"),
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.engine.Close)
	return s, nil
}

func (s *Server) openStore(ctx context.Context) (auth.Store, error) {
	var store auth.Store
	if s.cfg.Postgres != "" {
		pgs, err := auth.NewPGStore(s.cfg.Postgres, s.cfg.BcryptCost)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pgs.Close)
		if err := pgs.Init(ctx); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store = pgs
		s.log.Info("using postgres user store")
	} else {
		var seed map[string]string
		if s.cfg.UsersFile != "" {
			var err error
			if seed, err = auth.LoadUsers(s.cfg.UsersFile); err != nil {
				return nil, err
			}
		}
		store = auth.NewMemoryStore(s.cfg.BcryptCost, seed)
		s.log.Info("using in-memory user store", zap.Int("users", len(seed)))
	}

	if s.cfg.CredentialCache > 0 {
		store = auth.NewCached(store, s.cfg.CredentialCache)
	}
	return store, nil
}

func (s *Server) Addr() netip.AddrPort {
	return s.engine.Addr()
}

func (s *Server) Store() auth.Store {
	return s.store
}

// serve until ctx is done, then release everything
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("serving", zap.Stringer("addr", s.Addr()), zap.String("root", s.cfg.DocRoot))
	return multierr.Append(s.engine.Run(ctx), s.close())
}

// release resources of a server that was never run
func (s *Server) Close() error {
	return s.close()
}

func (s *Server) close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}
