package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keel-web/keel/internal/source"
)

// mockEnv is a deterministic Env for request-level tests.
type mockEnv struct {
	tag         string
	advertise   bool
	kaIdle      time.Duration
	maxRequests int
	files       map[string]*FileInfo
	postCount   int
	doneCount   int
}

func newMockEnv() *mockEnv {
	return &mockEnv{
		tag:       "keel/test",
		advertise: true,
		kaIdle:    10 * time.Second,
		files:     map[string]*FileInfo{},
	}
}

func (e *mockEnv) Tag() string                  { return e.tag }
func (e *mockEnv) Advertise() bool              { return e.advertise }
func (e *mockEnv) KeepAliveIdle() time.Duration { return e.kaIdle }
func (e *mockEnv) MaxKeepAliveRequests() int    { return e.maxRequests }
func (e *mockEnv) HTTPDate() string             { return "Thu, 01 Jan 2026 00:00:00 GMT" }
func (e *mockEnv) HandleRequest(*Request)       {}
func (e *mockEnv) PostProcess(*Request)         { e.postCount++ }
func (e *mockEnv) RequestDone(*Request)         { e.doneCount++ }

func (e *mockEnv) FileInfo(path string) *FileInfo {
	if fi, found := e.files[path]; found {
		return fi
	}

	fi := NewFileInfo(path)
	fi.Err = errNotFound

	return fi
}

var errNotFound = errStr("no such file")

type errStr string

func (e errStr) Error() string { return string(e) }

// mockConn implements Conn over an in-memory sink, flushing output the
// moment it is written so tests observe the final wire bytes synchronously.
type mockConn struct {
	t   *testing.T
	env *mockEnv

	sink          source.BufferSink
	state         ConnState
	keepAlive     bool
	aborted       bool
	requestCount  int
	contentLength int64
	corked        bool
	closed        bool
	resumed       bool
	abortHandler  func()
	writeComplete func(err error, bytes int64)
	transferred   int64
}

func newMockConn(t *testing.T) *mockConn {
	return &mockConn{
		t:             t,
		env:           newMockEnv(),
		state:         StateProcessingRequest,
		keepAlive:     true,
		requestCount:  1,
		contentLength: -1,
	}
}

func (c *mockConn) Env() Env { return c.env }

func (c *mockConn) Write(src source.Source) {
	for {
		n, err := src.SendTo(&c.sink)
		require.NoError(c.t, err)
		c.transferred += int64(n)

		if n == 0 {
			break
		}
	}

	// output drains synchronously here, so a pending write-complete callback
	// fires right away
	if c.writeComplete != nil {
		cb := c.writeComplete
		c.writeComplete = nil
		cb(nil, c.transferred)
	}
}

func (c *mockConn) WriteCallback(fn func()) bool {
	fn()
	return false
}

func (c *mockConn) IsAborted() bool           { return c.aborted }
func (c *mockConn) IsOutputPending() bool     { return false }
func (c *mockConn) ShouldKeepAlive() bool     { return c.keepAlive }
func (c *mockConn) SetShouldKeepAlive(v bool) { c.keepAlive = v }
func (c *mockConn) State() ConnState          { return c.state }
func (c *mockConn) SetState(s ConnState)      { c.state = s }
func (c *mockConn) RequestCount() int         { return c.requestCount }
func (c *mockConn) ContentLength() int64      { return c.contentLength }
func (c *mockConn) Cork(on bool)              { c.corked = on }
func (c *mockConn) Close()                    { c.closed = true }
func (c *mockConn) Resume()                   { c.resumed = true }
func (c *mockConn) SetAbortHandler(fn func()) { c.abortHandler = fn }

func (c *mockConn) SetWriteComplete(fn func(err error, bytes int64)) { c.writeComplete = fn }
func (c *mockConn) RemoteAddr() string        { return "127.0.0.1:54321" }
func (c *mockConn) LocalPort() int            { return 8080 }

func (c *mockConn) wire() string { return string(c.sink.Data) }

// newTestRequest builds a request as the connection would after parsing the
// given request line parts.
func newTestRequest(t *testing.T, method, uri string, vmajor, vminor int) (*Request, *mockConn) {
	conn := newMockConn(t)

	r := NewRequest(conn)
	r.Method = []byte(method)
	r.VersionMajor = vmajor
	r.VersionMinor = vminor
	require.True(t, r.SetURI([]byte(uri)))

	if vmajor == 1 && vminor == 0 {
		conn.keepAlive = false
	}

	return r, conn
}
