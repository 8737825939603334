package conn

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/s00inx/goserver/server/auth"
	"github.com/s00inx/goserver/server/protocol"
	"github.com/s00inx/goserver/server/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted socket
// a nil read chunk is one EAGAIN, after the script ends reads report EOF or EAGAIN
type fakeSocket struct {
	reads    [][]byte
	eof      bool
	readErr  error
	capacity int // bytes accepted before EAGAIN, negative is unlimited
	writeErr error
	out      bytes.Buffer
	writes   int
	closed   int
}

func newFakeSocket(chunks ...string) *fakeSocket {
	s := &fakeSocket{capacity: -1}
	for _, c := range chunks {
		if c == "" {
			s.reads = append(s.reads, nil)
			continue
		}
		s.reads = append(s.reads, []byte(c))
	}
	return s
}

func (s *fakeSocket) feed(chunks ...string) {
	for _, c := range chunks {
		s.reads = append(s.reads, []byte(c))
	}
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.reads) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	chunk := s.reads[0]
	if chunk == nil {
		s.reads = s.reads[1:]
		return 0, unix.EAGAIN
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		s.reads[0] = chunk[n:]
	} else {
		s.reads = s.reads[1:]
	}
	return n, nil
}

func (s *fakeSocket) Writev(iovs [][]byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.capacity == 0 {
		return 0, unix.EAGAIN
	}
	s.writes++
	n := 0
	for _, iov := range iovs {
		if s.capacity >= 0 && len(iov) > s.capacity-n {
			iov = iov[:s.capacity-n]
		}
		s.out.Write(iov)
		n += len(iov)
	}
	if s.capacity > 0 {
		s.capacity -= n
	}
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed++
	return nil
}

var testPeer = netip.MustParseAddrPort("127.0.0.1:40000")

const (
	indexPage   = "<h1>index</h1>\n"
	welcomePage = "welcome\n"
	logErrPage  = "bad login\n"
	logPage     = "please log in\n"
	regErrPage  = "bad register\n"
)

// document root with the pages the tests expect
func newDocRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":         indexPage,
		"welcome.html":       welcomePage,
		"logError.html":      logErrPage,
		"log.html":           logPage,
		"registerError.html": regErrPage,
		"style.css":          "body{}",
		"empty.html":         "",
		"big.html":           strings.Repeat("x", 900),
	}
	for name, body := range files {
		writeFile(t, filepath.Join(root, name), body, 0o644)
	}
	writeFile(t, filepath.Join(root, "secret.html"), "secret", 0o600)
	assert.NilError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	return root
}

func writeFile(t *testing.T, name, body string, mode os.FileMode) {
	t.Helper()
	assert.NilError(t, os.WriteFile(name, []byte(body), mode))
	assert.NilError(t, os.Chmod(name, mode))
}

func newTestConn(t *testing.T, sock Socket, o Options) *Conn {
	t.Helper()
	res, err := NewResolver(newDocRoot(t), router.Default("/index.html"), DefaultPages, nil)
	assert.NilError(t, err)
	if o.Store == nil {
		o.Store = auth.NewMemoryStore(4, map[string]string{"alice": "wonderland"})
	}
	c, err := New(sock, testPeer, res, o)
	assert.NilError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func head(status, length int, ctype string, keep bool) string {
	conn := "close"
	if keep {
		conn = "keep-alive"
	}
	return fmt.Sprintf("HTTP/1.1 %s\r\nContent-Length: %d\r\nContent-Type: %s\r\nConnection: %s\r\n\r\n",
		statusText[status], length, ctype, conn)
}

var statusText = map[int]string{
	200: "200 OK",
	400: "400 Bad Request",
	403: "403 Forbidden",
	404: "404 Not Found",
	500: "500 Internal Server Error",
}

func errorResponse(status int) string {
	page := protocol.ErrorPage(status)
	return head(status, len(page), "text/html", false) + string(page)
}

func post(target, body string, keep bool) string {
	conn := ""
	if keep {
		conn = "Connection: keep-alive\r\n"
	}
	return fmt.Sprintf("POST %s HTTP/1.1\r\nHost: test\r\n%sContent-Length: %d\r\n\r\n%s", target, conn, len(body), body)
}

func TestConnServeOne(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		outcome Outcome
		expect  string
	}{
		{
			name:    "index",
			input:   "GET / HTTP/1.1\r\nHost: test\r\n\r\n",
			outcome: FileReady,
			expect:  head(200, len(indexPage), "text/html", false) + indexPage,
		},
		{
			name:    "content type by extension",
			input:   "GET /style.css HTTP/1.1\r\n\r\n",
			outcome: FileReady,
			expect:  head(200, 6, "text/css", false) + "body{}",
		},
		{
			name:    "absolute form target",
			input:   "GET http://test/log.html HTTP/1.1\r\n\r\n",
			outcome: FileReady,
			expect:  head(200, len(logPage), "text/html", false) + logPage,
		},
		{
			name:    "alias",
			input:   "GET /1 HTTP/1.1\r\n\r\n",
			outcome: FileReady,
			expect:  head(200, len(logPage), "text/html", false) + logPage,
		},
		{
			name:    "empty file",
			input:   "GET /empty.html HTTP/1.0\r\n\r\n",
			outcome: FileReady,
			expect:  head(200, 0, "text/html", false),
		},
		{
			name:    "missing",
			input:   "GET /nope.html HTTP/1.1\r\n\r\n",
			outcome: ResourceMissing,
			expect:  errorResponse(404),
		},
		{
			name:    "not world readable",
			input:   "GET /secret.html HTTP/1.1\r\n\r\n",
			outcome: Forbidden,
			expect:  errorResponse(403),
		},
		{
			name:    "directory",
			input:   "GET /sub HTTP/1.1\r\n\r\n",
			outcome: Forbidden,
			expect:  errorResponse(403),
		},
		{
			name:    "nul byte in target",
			input:   "GET /index.html\x00.txt HTTP/1.1\r\n\r\n",
			outcome: MalformedRequest,
			expect:  errorResponse(400),
		},
		{
			name:    "traversal stays under root",
			input:   "GET /../../index.html HTTP/1.1\r\n\r\n",
			outcome: FileReady,
			expect:  head(200, len(indexPage), "text/html", false) + indexPage,
		},
		{
			name:    "bad request line",
			input:   "GET /index.html\r\n\r\n",
			outcome: MalformedRequest,
			expect:  errorResponse(400),
		},
		{
			name:    "unserviced method",
			input:   "DELETE /index.html HTTP/1.1\r\n\r\n",
			outcome: MalformedRequest,
			expect:  errorResponse(400),
		},
		{
			name:    "get of login action is a file lookup",
			input:   "GET /login HTTP/1.1\r\n\r\n",
			outcome: ResourceMissing,
			expect:  errorResponse(404),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sock := newFakeSocket(tt.input)
			c := newTestConn(t, sock, Options{})

			assert.Equal(t, c.OnReadable(), ActionWrite)
			assert.Equal(t, c.Outcome(), tt.outcome)
			assert.Equal(t, c.Pending(), len(tt.expect))

			assert.Equal(t, c.OnWritable(), ActionClose)
			assert.Equal(t, sock.out.String(), tt.expect)
			assert.Equal(t, c.Pending(), 0)
			assert.Assert(t, c.file.Bytes() == nil)
		})
	}
}

func TestConnRequestInParts(t *testing.T) {
	sock := newFakeSocket("GET /index", "", ".html HTTP/1.1\r\nConn", "", "ection: keep-alive\r\n", "", "\r\n")
	c := newTestConn(t, sock, Options{})

	assert.Equal(t, c.OnReadable(), ActionRead)
	assert.Equal(t, c.Verdict(), protocol.NeedMoreData)
	assert.Equal(t, c.OnReadable(), ActionRead)
	assert.Equal(t, c.OnReadable(), ActionRead)
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Verdict(), protocol.GetRequest)
	assert.Assert(t, c.KeepAlive())

	assert.Equal(t, c.OnWritable(), ActionRead)
	assert.Equal(t, sock.out.String(), head(200, len(indexPage), "text/html", true)+indexPage)
	assert.Equal(t, c.ReadBuffer().Received(), 0)
	assert.Equal(t, c.Verdict(), protocol.NeedMoreData)
}

func TestConnPartialWrite(t *testing.T) {
	sock := newFakeSocket("GET /big.html HTTP/1.1\r\n\r\n")
	sock.capacity = 512
	c := newTestConn(t, sock, Options{})

	expect := head(200, 900, "text/html", false) + strings.Repeat("x", 900)

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionWrite)
	assert.Equal(t, c.Sent(), 512)
	assert.Equal(t, c.Pending(), len(expect)-512)
	assert.Assert(t, c.file.Bytes() != nil)

	sock.capacity = -1
	assert.Equal(t, c.OnWritable(), ActionClose)
	assert.Equal(t, sock.out.String(), expect)
	assert.Assert(t, c.file.Bytes() == nil)
}

func TestConnPartialHeadWrite(t *testing.T) {
	sock := newFakeSocket("GET / HTTP/1.1\r\n\r\n")
	c := newTestConn(t, sock, Options{})
	expect := head(200, len(indexPage), "text/html", false) + indexPage

	assert.Equal(t, c.OnReadable(), ActionWrite)
	for i := 0; c.Pending() > 0; i++ {
		sock.capacity = 10
		act := c.FlushOutput()
		if c.Pending() > 0 {
			assert.Equal(t, act, ActionWrite)
		} else {
			assert.Equal(t, act, ActionClose)
		}
		assert.Assert(t, i < len(expect))
	}
	assert.Equal(t, sock.out.String(), expect)
}

func TestConnPipelined(t *testing.T) {
	sock := newFakeSocket(
		"GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n" +
			"GET /log.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n" +
			"GET /style.css HTTP/1.1\r\n\r\n",
	)
	c := newTestConn(t, sock, Options{})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionClose)

	expect := head(200, len(indexPage), "text/html", true) + indexPage +
		head(200, len(logPage), "text/html", true) + logPage +
		head(200, 6, "text/css", false) + "body{}"
	assert.Equal(t, sock.out.String(), expect)
}

func TestConnGetBodySkipped(t *testing.T) {
	sock := newFakeSocket("GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\nContent-Length: 5\r\n\r\nhello")
	c := newTestConn(t, sock, Options{})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Outcome(), FileReady)
	assert.Equal(t, c.Status(), 200)
	assert.Equal(t, c.OnWritable(), ActionRead)
	assert.Equal(t, c.ReadBuffer().Buffered(), 0)
	assert.Equal(t, sock.out.String(), head(200, len(indexPage), "text/html", true)+indexPage)

	sock.feed("GET /log.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Status(), 200)
	assert.Equal(t, c.OnWritable(), ActionClose)
}

func TestOpenOutcome(t *testing.T) {
	assert.Equal(t, openOutcome(unix.ENOENT), ResourceMissing)
	assert.Equal(t, openOutcome(unix.EINVAL), ResourceMissing)
	assert.Equal(t, openOutcome(unix.EACCES), Forbidden)
	assert.Equal(t, openOutcome(unix.EIO), InternalError)
}

func TestConnKeepAliveNextRequest(t *testing.T) {
	sock := newFakeSocket("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	c := newTestConn(t, sock, Options{})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionRead)
	assert.Equal(t, c.OnReadable(), ActionRead)

	sock.feed("GET /nope HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Status(), 404)
	assert.Assert(t, c.KeepAlive())
	assert.Equal(t, c.OnWritable(), ActionRead)
}

func TestConnMalformedCloses(t *testing.T) {
	sock := newFakeSocket("GET / HTTP/1.1\r\nConnection: keep-alive\r\nbroken\r\n\r\n")
	c := newTestConn(t, sock, Options{})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Outcome(), MalformedRequest)
	assert.Assert(t, !c.KeepAlive())
	assert.Equal(t, c.OnWritable(), ActionClose)
	assert.Equal(t, sock.out.String(), errorResponse(400))
}

func TestConnBufferFull(t *testing.T) {
	sock := newFakeSocket("GET /" + strings.Repeat("a", 300))
	c := newTestConn(t, sock, Options{ReadBufferSize: 256})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Outcome(), InternalError)
	assert.Equal(t, c.OnWritable(), ActionClose)
	assert.Equal(t, sock.out.String(), errorResponse(500))
}

func TestConnBodyTooLarge(t *testing.T) {
	sock := newFakeSocket(post("/login", strings.Repeat("a", 300), false))
	c := newTestConn(t, sock, Options{ReadBufferSize: 256})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Outcome(), InternalError)
}

func TestConnPeerClosed(t *testing.T) {
	t.Run("mid request", func(t *testing.T) {
		sock := newFakeSocket("GET /index.html HT")
		sock.eof = true
		c := newTestConn(t, sock, Options{})

		assert.Equal(t, c.OnReadable(), ActionClose)
		assert.Equal(t, c.Verdict(), protocol.PeerClosed)
		assert.Equal(t, c.Outcome(), PeerClosed)
		assert.Equal(t, sock.out.Len(), 0)
	})

	t.Run("idle", func(t *testing.T) {
		sock := newFakeSocket()
		sock.eof = true
		c := newTestConn(t, sock, Options{})

		n, err := c.AppendInput()
		assert.ErrorIs(t, err, ErrPeerClosed)
		assert.Equal(t, n, 0)
		assert.Equal(t, c.Process(), ActionClose)
	})

	t.Run("after full request", func(t *testing.T) {
		sock := newFakeSocket("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
		sock.eof = true
		c := newTestConn(t, sock, Options{})

		assert.Equal(t, c.OnReadable(), ActionWrite)
		assert.Assert(t, !c.KeepAlive())
		assert.Equal(t, c.OnWritable(), ActionClose)
		assert.Equal(t, sock.out.String(), head(200, len(indexPage), "text/html", false)+indexPage)
	})
}

func TestConnSocketErrors(t *testing.T) {
	sock := newFakeSocket()
	sock.readErr = unix.ECONNRESET
	c := newTestConn(t, sock, Options{})
	assert.Equal(t, c.OnReadable(), ActionClose)

	sock = newFakeSocket("GET /big.html HTTP/1.1\r\n\r\n")
	sock.writeErr = unix.EPIPE
	c = newTestConn(t, sock, Options{})
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionClose)
	assert.Assert(t, c.file.Bytes() == nil)
}

func TestConnCredentials(t *testing.T) {
	tests := []struct {
		name    string
		reqs    []string
		granted bool
		expect  string
	}{
		{
			name:    "login",
			reqs:    []string{post("/login", "user=alice&password=wonderland", false)},
			granted: true,
			expect:  welcomePage,
		},
		{
			name:   "login wrong password",
			reqs:   []string{post("/2CGISQL.cgi", "user=alice&password=x", false)},
			expect: logErrPage,
		},
		{
			name:   "login unknown user",
			reqs:   []string{post("/login", "user=mallory&passwd=x", false)},
			expect: logErrPage,
		},
		{
			name:    "register",
			reqs:    []string{post("/register", "user=bob&password=b%26b", false)},
			granted: true,
			expect:  logPage,
		},
		{
			name:   "register taken",
			reqs:   []string{post("/3CGISQL.cgi", "user=alice&password=again", false)},
			expect: regErrPage,
		},
		{
			name:   "register empty password",
			reqs:   []string{post("/register", "user=carol&password=", false)},
			expect: regErrPage,
		},
		{
			name: "register then login on one connection",
			reqs: []string{
				post("/register", "user=dave&password=pw", true),
				post("/login", "user=dave&password=pw", false),
			},
			granted: true,
			expect:  welcomePage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sock := newFakeSocket(strings.Join(tt.reqs, ""))
			c := newTestConn(t, sock, Options{})

			act := c.OnReadable()
			for i := 0; i < len(tt.reqs)-1; i++ {
				assert.Equal(t, act, ActionWrite)
				act = c.OnWritable()
			}
			assert.Equal(t, act, ActionWrite)
			assert.Equal(t, c.Outcome(), CredentialAction)
			assert.Equal(t, c.Granted(), tt.granted)

			sock.out.Reset()
			assert.Equal(t, c.OnWritable(), ActionClose)
			assert.Equal(t, sock.out.String(), head(200, len(tt.expect), "text/html", false)+tt.expect)
		})
	}
}

func TestConnRegisteredSecretIsHashed(t *testing.T) {
	store := auth.NewMemoryStore(4, nil)
	sock := newFakeSocket(post("/register", "user=erin&password=pw", false))
	c := newTestConn(t, sock, Options{Store: store})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Assert(t, c.Granted())

	secret, ok, err := store.Lookup("erin")
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, secret != "pw")
	assert.Assert(t, auth.Verify(secret, "pw"))
}

func TestConnWriteOverflow(t *testing.T) {
	sock := newFakeSocket("GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	c := newTestConn(t, sock, Options{WriteBufferSize: protocol.MinWriteBufferSize})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Outcome(), FileReady)

	// 404 page and its head do not fit
	sock = newFakeSocket("GET /nope.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	c = newTestConn(t, sock, Options{WriteBufferSize: protocol.MinWriteBufferSize})
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.Outcome(), InternalError)
	assert.Equal(t, c.Status(), 500)
	assert.Assert(t, !c.KeepAlive())
	assert.Equal(t, c.OnWritable(), ActionClose)
	assert.Assert(t, strings.HasPrefix(sock.out.String(), "HTTP/1.1 500 Internal Server Error\r\n"))
}

func TestConnCloseOnce(t *testing.T) {
	sock := newFakeSocket("GET /big.html HTTP/1.1\r\n\r\n")
	c := newTestConn(t, sock, Options{})

	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Assert(t, c.file.Bytes() != nil)

	assert.NilError(t, c.Close())
	assert.NilError(t, c.Close())
	assert.Equal(t, sock.closed, 1)
	assert.Assert(t, c.file.Bytes() == nil)
}

func TestConnReuse(t *testing.T) {
	first := newFakeSocket("GET /index.html HT")
	c := newTestConn(t, first, Options{})
	assert.Equal(t, c.OnReadable(), ActionRead)
	assert.NilError(t, c.Close())

	second := newFakeSocket("GET /log.html HTTP/1.1\r\n\r\n")
	c.Init(second, testPeer)
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Equal(t, c.OnWritable(), ActionClose)
	assert.Equal(t, second.out.String(), head(200, len(logPage), "text/html", false)+logPage)
	assert.Equal(t, first.out.Len(), 0)
}

func TestConnLastActive(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{Clock: mock})
	assert.Assert(t, c.LastActive().Equal(mock.Now()))

	mock.Add(time.Minute)
	assert.Equal(t, c.OnReadable(), ActionRead)
	assert.Assert(t, c.LastActive().Before(mock.Now()))

	sock.feed("GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, c.OnReadable(), ActionWrite)
	assert.Assert(t, c.LastActive().Equal(mock.Now()))
}

func TestNewResolverRejectsFile(t *testing.T) {
	root := newDocRoot(t)
	_, err := NewResolver(filepath.Join(root, "index.html"), nil, DefaultPages, nil)
	assert.ErrorIs(t, err, ErrNoRoot)
}

func TestFormValue(t *testing.T) {
	body := []byte("user=a%40b&password=p+w&x&passwd=")
	assert.Equal(t, formValue(body, "user"), "a@b")
	assert.Equal(t, formValue(body, "password"), "p w")
	assert.Equal(t, formValue(body, "passwd"), "")
	assert.Equal(t, formValue(body, "x"), "")
	assert.Equal(t, formValue(nil, "user"), "")
}

func TestOutcomeStatus(t *testing.T) {
	for o, code := range map[Outcome]int{
		FileReady:        200,
		CredentialAction: 200,
		MalformedRequest: 400,
		Forbidden:        403,
		ResourceMissing:  404,
		InternalError:    500,
	} {
		assert.Equal(t, o.Status(), code, o.String())
	}
}
