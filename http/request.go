package http

import (
	"errors"
	"log"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/keel-web/keel/http/headers"
	"github.com/keel-web/keel/http/status"
	"github.com/keel-web/keel/internal/source"
	"github.com/keel-web/keel/internal/uridecode"
)

// Request is the per-exchange value: parsed request metadata plus the mutable
// response side. Its lifetime is strictly contained within one connection's
// in-flight slot; at most one live Request exists per connection.
type Request struct {
	conn Conn

	// request side; byte-slice fields are owned copies (the decoded path and
	// query live in their own buffer), so they never alias the connection
	// input buffer
	Method       []byte
	URI          []byte
	Path         []byte
	Query        []byte
	PathInfo     []byte
	VersionMajor int
	VersionMinor int
	Hostname     []byte
	Headers      *headers.Storage

	// response side
	Status            status.Code
	ResponseHeaders   *headers.Storage
	Filters           source.Chain
	ExpectingContinue bool

	DocumentRoot string
	File         *FileInfo

	depth        int
	hostid       string
	bodyCallback func(chunk []byte)
	errorHandler func(r *Request) bool
	notes        map[string]any

	onPostProcess []func(*Request)
	onRequestDone []func(*Request)
}

func NewRequest(conn Conn) *Request {
	return &Request{
		conn:            conn,
		Headers:         headers.New(),
		ResponseHeaders: headers.New(),
	}
}

// Conn exposes the owning connection.
func (r *Request) Conn() Conn {
	return r.conn
}

// SetURI assigns the unparsed URI and decodes it into path and query,
// tracking the directory depth for traversal detection.
func (r *Request) SetURI(uri []byte) bool {
	r.URI = uri

	if len(uri) == 1 && uri[0] == '*' {
		// special form for server-wide OPTIONS, RFC 9112 section 3.2.4
		r.Path = uri
		return true
	}

	path, query, depth, err := uridecode.Decode(uri, make([]byte, 0, len(uri)))
	if err != nil {
		log.Printf("keel: failed decoding request URI from %s", r.conn.RemoteAddr())
		return false
	}

	r.Path = path
	r.Query = query
	r.depth = depth

	return true
}

// Header returns the first value of a request header, or an empty string.
func (r *Request) Header(name string) string {
	return r.Headers.Value(name)
}

// Cookie tokenizes the Cookie header on demand and returns the value of the
// exactly matching name, or an empty string.
func (r *Request) Cookie(name string) string {
	if name == "" {
		return ""
	}

	cookie := r.Header("Cookie")
	for _, kv := range strings.FieldsFunc(cookie, func(c rune) bool {
		return c == ';' || c == ' ' || c == '\t'
	}) {
		eq := strings.IndexByte(kv, '=')
		if eq == -1 {
			continue
		}

		if kv[:eq] == name {
			return kv[eq+1:]
		}
	}

	return ""
}

// SupportsProtocol tells whether the request speaks at least HTTP/major.minor.
func (r *Request) SupportsProtocol(major, minor int) bool {
	if r.VersionMajor != major {
		return r.VersionMajor > major
	}

	return r.VersionMinor >= minor
}

// IsMethod compares the request method against the given one.
func (r *Request) IsMethod(method string) bool {
	return string(r.Method) == method
}

// ContentAvailable reports whether the message being parsed announced a
// non-zero Content-Length and has not ended yet. Chunk-encoded bodies are not
// reported.
func (r *Request) ContentAvailable() bool {
	return r.conn.ContentLength() > 0
}

// Depth is the directory depth of the decoded path; negative when the path
// escaped the virtual root.
func (r *Request) Depth() int {
	return r.depth
}

// Hostid returns "hostname:port", deriving the port from the listener when
// the Host header carried none.
func (r *Request) Hostid() string {
	if r.hostid == "" {
		host := string(r.Hostname)
		if host == "" {
			host = "localhost"
		}

		if strings.IndexByte(host, ':') == -1 {
			host += ":" + strconv.Itoa(r.conn.LocalPort())
		}

		r.hostid = host
	}

	return r.hostid
}

// SetBodyCallback registers the request-body consumer. Must be invoked from
// within the request handler. If the client announced Expect: 100-continue
// and we accept it, the interim response goes out right here.
func (r *Request) SetBodyCallback(fn func(chunk []byte)) {
	r.bodyCallback = fn

	if r.ExpectingContinue {
		r.conn.Write(source.NewBuffer([]byte("HTTP/1.1 100 Continue\r\n\r\n")))
		r.ExpectingContinue = false
	}
}

// OnRequestContent passes a body chunk to the registered callback, or
// discards it.
func (r *Request) OnRequestContent(chunk []byte) {
	if r.bodyCallback != nil {
		r.bodyCallback(chunk)
	}
}

// SetErrorHandler overrides the built-in error page for statuses >= 400. If
// the handler returns without producing output, the default body is used.
func (r *Request) SetErrorHandler(fn func(r *Request) bool) {
	r.errorHandler = fn
}

// SetAbortHandler installs a callback invoked when the client closes the
// connection before the response finished. The callback must not access the
// request object.
func (r *Request) SetAbortHandler(fn func()) {
	r.conn.SetAbortHandler(fn)
}

// SetNote attaches request-scoped application data; it is dropped at
// finalization.
func (r *Request) SetNote(key string, value any) {
	if r.notes == nil {
		r.notes = make(map[string]any)
	}

	r.notes[key] = value
}

func (r *Request) Note(key string) any {
	return r.notes[key]
}

// OnPostProcess registers a per-request hook fired during response
// serialization, before the header block is rendered.
func (r *Request) OnPostProcess(fn func(*Request)) {
	r.onPostProcess = append(r.onPostProcess, fn)
}

// OnRequestDone registers a per-request hook fired at finalization.
func (r *Request) OnRequestDone(fn func(*Request)) {
	r.onRequestDone = append(r.onRequestDone, fn)
}

// Write queues a response body source, serializing the header block first if
// this is the first write of the exchange. The source passes through the
// output filter chain, if any.
func (r *Request) Write(src source.Source) {
	switch r.conn.State() {
	case StateUndefined, StateReadingRequest, StateProcessingRequest:
		r.conn.Write(r.Serialize())
		r.conn.SetState(StateSendingReply)
	}

	if len(r.Filters) > 0 {
		src = source.NewFiltered(src, r.Filters, false)
	}

	r.conn.Write(src)
}

// WriteBytes queues an owned byte slice as response body.
func (r *Request) WriteBytes(b []byte) {
	r.Write(source.NewBuffer(b))
}

// WriteCallback arranges fn to run once all queued response bytes hit the
// socket; it runs inline when nothing is pending or the peer is gone.
func (r *Request) WriteCallback(fn func()) bool {
	if r.conn.IsAborted() {
		fn()
		return false
	}

	return r.conn.WriteCallback(fn)
}

// TestDirectoryTraversal emits 400 and finishes the request if the decoded
// path escaped the virtual root. Returns true in that case.
func (r *Request) TestDirectoryTraversal() bool {
	if r.depth >= 0 {
		return false
	}

	log.Printf("keel: directory traversal detected: %q from %s", r.Path, r.conn.RemoteAddr())

	r.Status = status.BadRequest
	r.Finish()

	return true
}

// UpdatePathInfo splits the trailing pathinfo part off the resolved file,
// walking the path upwards while resolution fails with ENOTDIR. Turns
// "/script.cgi/extra/tail" into file "/script.cgi" plus pathinfo
// "/extra/tail".
func (r *Request) UpdatePathInfo() {
	if r.File == nil {
		return
	}

	origLen := len(r.File.Path)

	for {
		if r.File.Exists {
			if cut := origLen - len(r.File.Path); cut > 0 && cut <= len(r.Path) {
				r.PathInfo = r.Path[len(r.Path)-cut:]
			}

			return
		}

		if !errors.Is(r.File.Err, unix.ENOTDIR) {
			return
		}

		slash := strings.LastIndexByte(r.File.Path, '/')
		if slash <= 0 {
			return
		}

		r.File = r.conn.Env().FileInfo(r.File.Path[:slash])
	}
}
