// server settings: tag defaults, toml file, GOSERVER_* env, flags
// later sources win
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/koding/multiconfig"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"

	"github.com/s00inx/goserver/server/protocol"
)

const (
	EnvPrefix         = "GOSERVER"
	MinReadBufferSize = 256
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	// TOML file read before environment and flags
	Config string

	Addr    string `default:"0.0.0.0:8080"`
	DocRoot string `default:"./root"`
	Index   string `default:"/judge.html"`

	ReadBufferSize  int `default:"2048"`
	WriteBufferSize int `default:"1024"`
	AllowBareLF     bool

	Workers       int `default:"8"`
	MaxQueue      int `default:"10000"`
	MaxConns      int `default:"65536"`
	EdgeTriggered bool

	IdleTimeout   time.Duration `default:"15s"`
	SweepSchedule string        `default:"@every 5s"`

	LogLevel    string `default:"info"`
	Development bool

	// postgres:// url, in-memory users when empty
	Postgres        string
	UsersFile       string
	CredentialCache int `default:"1024"`
	BcryptCost      int `default:"10"`
}

func loader(file string, args []string) multiconfig.Loader {
	loaders := []multiconfig.Loader{&multiconfig.TagLoader{}}
	if file != "" {
		loaders = append(loaders, &multiconfig.TOMLLoader{Path: file})
	}
	loaders = append(loaders,
		&multiconfig.EnvironmentLoader{Prefix: EnvPrefix, CamelCase: true},
		&multiconfig.FlagLoader{CamelCase: true, Args: args},
	)
	return multiconfig.MultiLoader(loaders...)
}

// Load builds the config from args (without the program name).
// A -config flag or GOSERVER_CONFIG names a TOML file layered under env and flags.
func Load(args []string) (*Config, error) {
	if args == nil {
		args = []string{}
	}

	var probe Config
	if err := loader("", args).Load(&probe); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := loader(probe.Config, args).Load(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var err error
	invalid := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, perr := netip.ParseAddrPort(c.Addr); perr != nil {
		invalid("addr %q: %v", c.Addr, perr)
	}
	if c.DocRoot == "" {
		invalid("doc root is empty")
	}
	if c.ReadBufferSize < MinReadBufferSize || c.ReadBufferSize > protocol.MaxReadBufferSize {
		invalid("read buffer size %d not in [%d, %d]", c.ReadBufferSize, MinReadBufferSize, protocol.MaxReadBufferSize)
	}
	if c.WriteBufferSize < protocol.MinWriteBufferSize {
		invalid("write buffer size %d below %d", c.WriteBufferSize, protocol.MinWriteBufferSize)
	}
	if c.Workers <= 0 {
		invalid("workers %d", c.Workers)
	}
	if c.MaxQueue <= 0 {
		invalid("max queue %d", c.MaxQueue)
	}
	if c.MaxConns < 0 {
		invalid("max conns %d", c.MaxConns)
	}
	if c.IdleTimeout < 0 {
		invalid("idle timeout %s", c.IdleTimeout)
	}
	if c.IdleTimeout > 0 {
		if _, perr := cron.ParseStandard(c.SweepSchedule); perr != nil {
			invalid("sweep schedule %q: %v", c.SweepSchedule, perr)
		}
	}
	if _, perr := zapcore.ParseLevel(c.LogLevel); perr != nil {
		invalid("log level %q", c.LogLevel)
	}
	if c.CredentialCache < 0 {
		invalid("credential cache %d", c.CredentialCache)
	}
	if c.BcryptCost != 0 && (c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost) {
		invalid("bcrypt cost %d not in [%d, %d]", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return err
}

// parsed Addr, valid after Validate
func (c *Config) AddrPort() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(c.Addr)
	return ap
}

func (c *Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
