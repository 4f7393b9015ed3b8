package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSetURI(t *testing.T) {
	t.Run("path and query", func(t *testing.T) {
		r, _ := newTestRequest(t, "GET", "/search%20me?q=1", 1, 1)
		require.Equal(t, "/search me", string(r.Path))
		require.Equal(t, "q=1", string(r.Query))
		require.Equal(t, 1, r.Depth())
	})

	t.Run("asterisk form", func(t *testing.T) {
		r, _ := newTestRequest(t, "OPTIONS", "*", 1, 1)
		require.Equal(t, "*", string(r.Path))
	})

	t.Run("bad escape rejected", func(t *testing.T) {
		conn := newMockConn(t)
		r := NewRequest(conn)
		require.False(t, r.SetURI([]byte("/bad%zz")))
	})
}

func TestDirectoryTraversal(t *testing.T) {
	r, conn := newTestRequest(t, "GET", "/%2e%2e/%2e%2e/etc", 1, 0)
	require.Equal(t, "/../../etc", string(r.Path))
	require.Negative(t, r.Depth())

	require.True(t, r.TestDirectoryTraversal())

	statusLine, _, _ := splitWire(t, conn.wire())
	require.Equal(t, "HTTP/1.0 400 Bad Request", statusLine)
	require.True(t, conn.closed)
}

func TestNoTraversalForContainedPath(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/a/../b", 1, 1)
	require.False(t, r.TestDirectoryTraversal())
}

func TestCookie(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/", 1, 1)
	r.Headers.Add("Cookie", "session=abc123; theme=dark;  lang=en")

	require.Equal(t, "abc123", r.Cookie("session"))
	require.Equal(t, "dark", r.Cookie("theme"))
	require.Equal(t, "en", r.Cookie("lang"))
	require.Equal(t, "", r.Cookie("missing"))
	require.Equal(t, "", r.Cookie(""))
}

func TestSupportsProtocol(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/", 1, 1)
	require.True(t, r.SupportsProtocol(1, 0))
	require.True(t, r.SupportsProtocol(1, 1))
	require.False(t, r.SupportsProtocol(2, 0))

	r10, _ := newTestRequest(t, "GET", "/", 1, 0)
	require.True(t, r10.SupportsProtocol(1, 0))
	require.False(t, r10.SupportsProtocol(1, 1))
}

func TestHostid(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/", 1, 1)
	r.Hostname = []byte("example.com")
	require.Equal(t, "example.com:8080", r.Hostid())

	withPort, _ := newTestRequest(t, "GET", "/", 1, 1)
	withPort.Hostname = []byte("example.com:80")
	require.Equal(t, "example.com:80", withPort.Hostid())
}

func TestBodyCallbackAndContinue(t *testing.T) {
	r, conn := newTestRequest(t, "POST", "/upload", 1, 1)
	r.ExpectingContinue = true

	var received strings.Builder
	r.SetBodyCallback(func(chunk []byte) {
		received.Write(chunk)
	})

	// the interim response goes out before anything else
	require.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", conn.wire())
	require.False(t, r.ExpectingContinue)

	r.OnRequestContent([]byte("part one, "))
	r.OnRequestContent([]byte("part two"))
	require.Equal(t, "part one, part two", received.String())
}

func TestBodyDiscardedWithoutCallback(t *testing.T) {
	r, _ := newTestRequest(t, "POST", "/upload", 1, 1)
	r.OnRequestContent([]byte("dropped")) // must not panic
}

func TestNotes(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/", 1, 1)
	require.Nil(t, r.Note("user"))

	r.SetNote("user", "alice")
	require.Equal(t, "alice", r.Note("user"))

	r.Finish()
	require.Nil(t, r.Note("user"))
}

func TestUpdatePathInfo(t *testing.T) {
	r, conn := newTestRequest(t, "GET", "/script.cgi/extra/tail", 1, 1)

	missing := NewFileInfo("/docroot/script.cgi/extra/tail")
	missing.Err = unix.ENOTDIR

	intermediate := NewFileInfo("/docroot/script.cgi/extra")
	intermediate.Err = unix.ENOTDIR

	script := NewFileInfo("/docroot/script.cgi")
	script.Exists = true

	conn.env.files[intermediate.Path] = intermediate
	conn.env.files[script.Path] = script

	r.File = missing
	r.UpdatePathInfo()

	require.Equal(t, script, r.File)
	require.Equal(t, "/extra/tail", string(r.PathInfo))
}

func TestUpdatePathInfoNoFile(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/plain", 1, 1)
	r.UpdatePathInfo() // must not panic with no file resolved
	require.Empty(t, r.PathInfo)
}

func TestPerRequestHooks(t *testing.T) {
	r, _ := newTestRequest(t, "GET", "/", 1, 1)

	order := []string{}
	r.OnPostProcess(func(*Request) { order = append(order, "post") })
	r.OnRequestDone(func(*Request) { order = append(order, "done") })

	r.Finish()
	require.Equal(t, []string{"post", "done"}, order)
}
