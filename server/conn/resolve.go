package conn

import (
	"bytes"
	"errors"
	"net/url"
	"path"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/s00inx/goserver/server/auth"
	"github.com/s00inx/goserver/server/protocol"
	"github.com/s00inx/goserver/server/router"
)

// pages served after a credential action
type Pages struct {
	LoginOK        string
	LoginFailed    string
	RegisterOK     string
	RegisterFailed string
}

var DefaultPages = Pages{
	LoginOK:        "/welcome.html",
	LoginFailed:    "/logError.html",
	RegisterOK:     "/log.html",
	RegisterFailed: "/registerError.html",
}

// credentials as seen by one connection
type Credentials interface {
	Check(user, password string) bool
	Register(user, password string) bool
}

// what a request resolved to
// Mapping is owned by the caller and must be released once
type Resolution struct {
	Outcome Outcome
	Name    string // served file relative to the root
	Mapping Mapping
	Size    int
	Granted bool // credential action succeeded
}

// maps parsed requests to files under the document root
// safe for concurrent use, it holds no per-request state
type Resolver struct {
	root   string
	routes *router.HTTPRouter
	pages  Pages
	log    *zap.Logger
}

func NewResolver(root string, routes *router.HTTPRouter, pages Pages, log *zap.Logger) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, ErrNoRoot
	}
	if routes == nil {
		routes = router.NewHTTPRouter()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{root: abs, routes: routes, pages: pages, log: log}, nil
}

func (r *Resolver) Root() string {
	return r.root
}

// resolve a complete request, req views point into rb
func (r *Resolver) Resolve(req *protocol.Request, rb *protocol.ReadBuffer, creds Credentials) Resolution {
	if !req.Method.Serviced() {
		return Resolution{Outcome: MalformedRequest}
	}
	target := rb.Bytes(req.Path)
	if target == nil {
		return Resolution{Outcome: MalformedRequest}
	}

	if rt := r.routes.Serve(target); rt != nil {
		switch rt.Kind {
		case router.Page:
			return r.Open(rt.Target)
		case router.Login, router.Register:
			if req.Method == protocol.POST {
				return r.credential(rt.Kind, rb.Bytes(req.Body), creds)
			}
		}
	}
	return r.Open(string(target))
}

func (r *Resolver) credential(kind router.Kind, body []byte, creds Credentials) Resolution {
	user := formValue(body, "user")
	pass := formValue(body, "password")
	if pass == "" {
		pass = formValue(body, "passwd")
	}

	var ok bool
	var page string
	switch kind {
	case router.Login:
		ok = creds != nil && user != "" && creds.Check(user, pass)
		page = pick(ok, r.pages.LoginOK, r.pages.LoginFailed)
	default:
		ok = creds != nil && user != "" && pass != "" && creds.Register(user, pass)
		page = pick(ok, r.pages.RegisterOK, r.pages.RegisterFailed)
	}
	r.log.Debug("credential action", zap.String("user", user), zap.Bool("granted", ok), zap.String("page", page))

	res := r.Open(page)
	if res.Outcome == FileReady {
		res.Outcome = CredentialAction
		res.Granted = ok
	}
	return res
}

// open and map name under the root
// files without world read permission and directories are forbidden
func (r *Resolver) Open(name string) Resolution {
	clean := path.Clean("/" + name)
	full := filepath.Join(r.root, filepath.FromSlash(clean))

	fd, err := unix.Open(full, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return Resolution{Outcome: openOutcome(err), Name: clean}
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		r.log.Warn("fstat failed", zap.String("file", full), zap.Error(err))
		return Resolution{Outcome: InternalError, Name: clean}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG || st.Mode&unix.S_IROTH == 0 {
		return Resolution{Outcome: Forbidden, Name: clean}
	}

	m, err := mapFile(fd, st.Size)
	if err != nil {
		r.log.Warn("mmap failed", zap.String("file", full), zap.Error(err))
		return Resolution{Outcome: InternalError, Name: clean}
	}
	return Resolution{Outcome: FileReady, Name: clean, Mapping: m, Size: int(st.Size)}
}

func openOutcome(err error) Outcome {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR), errors.Is(err, unix.ENAMETOOLONG),
		errors.Is(err, unix.EINVAL):
		return ResourceMissing
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return Forbidden
	default:
		return InternalError
	}
}

// value of key in an urlencoded form body
func formValue(body []byte, key string) string {
	q := body
	for len(q) > 0 {
		var pair []byte
		pair, q, _ = bytes.Cut(q, []byte{'&'})
		k, v, ok := bytes.Cut(pair, []byte{'='})
		if !ok || string(k) != key {
			continue
		}
		if s, err := url.QueryUnescape(string(v)); err == nil {
			return s
		}
		return string(v)
	}
	return ""
}

func pick(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// per connection view of a shared store
// secrets found once are kept for the life of the connection
type userCache struct {
	store auth.Store
	users map[string]string
	log   *zap.Logger
}

func (u *userCache) lookup(user string) (string, bool) {
	if s, ok := u.users[user]; ok {
		return s, true
	}
	if u.store == nil {
		return "", false
	}
	s, ok, err := u.store.Lookup(user)
	if err != nil {
		u.log.Warn("user lookup failed", zap.String("user", user), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}
	if u.users == nil {
		u.users = make(map[string]string)
	}
	u.users[user] = s
	return s, true
}

func (u *userCache) Check(user, password string) bool {
	secret, ok := u.lookup(user)
	return ok && auth.Verify(secret, password)
}

func (u *userCache) Register(user, password string) bool {
	if u.store == nil {
		return false
	}
	if err := u.store.Register(user, password); err != nil {
		if !errors.Is(err, auth.ErrUserExists) {
			u.log.Warn("user register failed", zap.String("user", user), zap.Error(err))
		}
		return false
	}
	return true
}

func (u *userCache) reset() {
	u.users = nil
}
