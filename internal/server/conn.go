package server

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/keel-web/keel/http"
	"github.com/keel-web/keel/http/status"
	"github.com/keel-web/keel/internal/buf"
	http1 "github.com/keel-web/keel/internal/parser/http1"
	"github.com/keel-web/keel/internal/poller"
	"github.com/keel-web/keel/internal/source"
)

const readChunk = 4096

// conn owns one accepted socket and drives it through the request/response
// lifecycle. It lives entirely on its worker's loop; no other thread touches
// it after construction.
//
// Teardown is two-phase: Close only marks the connection closed, the worker
// destroys it once the current dispatch unwinds. Nothing ever frees a conn
// from beneath its own stack frame.
type conn struct {
	fd       int
	worker   *Worker
	listener *Listener

	state    http.ConnState
	closed   bool
	aborted  bool
	polled   bool
	interest poller.Interest

	input  *buf.Buffer
	offset int

	proc         *http1.Processor
	request      *http.Request
	requestCount int
	rejectURI    bool

	chain   *source.Composite
	sink    source.Socket
	writing bool

	processing bool

	shouldKeepAlive  bool
	corked           bool
	bytesTransferred int64
	onWriteComplete  func(err error, bytes int64)

	abortHandler func()

	deadline time.Time

	remoteAddr string
	localPort  int
}

func newConn(w *Worker, l *Listener, fd int, remoteAddr string) *conn {
	c := &conn{
		fd:         fd,
		worker:     w,
		listener:   l,
		state:      http.StateUndefined,
		input:      buf.New(w.srv.cfg.NET.ReadBufferSize),
		chain:      source.NewComposite(),
		sink:       source.Socket{Fd: fd},
		remoteAddr: remoteAddr,
		localPort:  l.port,
	}
	c.proc = http1.NewProcessor(c)

	if w.srv.cfg.NET.TCPNoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	w.srv.fireConnOpen(c)

	return c
}

// start begins the first I/O operation. With deferred accept the socket is
// guaranteed readable, so input is processed right away.
func (c *conn) start() {
	c.state = http.StateReadingRequest

	if c.worker.srv.cfg.NET.DeferAccept {
		c.processInput()
		return
	}

	c.startRead()
}

// io dispatches one readiness event. The worker destroys the connection
// afterwards if it closed itself during dispatch.
func (c *conn) io(ev poller.Event) {
	if ev.Readable || ev.Hangup {
		c.processInput()
	}

	if !c.closed && ev.Writable {
		c.processOutput()
	}
}

func (c *conn) onTimeout() {
	c.Close()
}

// startRead arms the read watch with the idle timeout matching the phase:
// keep-alive idle between requests, read idle within one.
func (c *conn) startRead() {
	timeout := c.worker.srv.cfg.Timeouts.ReadIdle
	if c.state == http.StateKeepAliveRead {
		timeout = c.worker.srv.cfg.Timeouts.KeepAliveIdle
	}

	c.armTimeout(timeout)
	c.setInterest(poller.Read)
}

func (c *conn) armTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.deadline = c.worker.now.Add(timeout)
	} else {
		c.deadline = time.Time{}
	}
}

func (c *conn) setInterest(interest poller.Interest) {
	if c.closed {
		return
	}

	if !c.polled {
		if err := c.worker.poller.Add(c.fd, interest); err != nil {
			c.Close()
			return
		}

		c.polled = true
		c.interest = interest
		return
	}

	if interest == c.interest {
		return
	}

	if err := c.worker.poller.Modify(c.fd, interest); err != nil {
		c.Close()
		return
	}

	c.interest = interest
}

// processInput reads whatever the socket has and feeds it to the message
// processor.
func (c *conn) processInput() {
	spare := c.input.Free(readChunk)

	n, err := unix.Read(c.fd, spare)

	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		// only re-arm the idle timer while actually waiting for a message;
		// during processing the socket may simply be drained
		if c.state == http.StateReadingRequest || c.state == http.StateKeepAliveRead {
			c.startRead()
		}
	case err != nil:
		c.Close()
	case n == 0: // EOF
		c.aborted = true

		if c.abortHandler != nil {
			c.setInterest(0)

			handler := c.abortHandler
			c.abortHandler = nil
			handler()
		} else {
			c.Close()
		}
	default:
		c.input.Extend(n)
		c.deadline = time.Time{}
		c.process()
	}
}

// process runs the message processor over the unconsumed window, looping
// across pipelined messages as long as each request finalizes synchronously.
func (c *conn) process() {
	if c.processing {
		// re-entered from a callback; the outer loop picks up from here
		return
	}

	c.processing = true
	defer func() { c.processing = false }()

	for {
		if c.closed {
			return
		}

		if c.request != nil && c.proc.Idle() {
			// a pipelined message may be buffered, but responses go out in
			// order; resume() returns here once the request finalizes
			return
		}

		window := c.input.Tail(c.offset)

		if c.state == http.StateKeepAliveRead && window.Empty() {
			c.input.Clear()
			c.offset = 0
			c.startRead()
			return
		}

		if c.state == http.StateKeepAliveRead {
			c.state = http.StateReadingRequest
		}

		if window.Empty() {
			c.startRead()
			return
		}

		consumed, st, err := c.proc.Process(window.Bytes())
		c.offset += consumed

		if c.closed {
			return
		}

		if err != nil {
			c.badMessage(err)
			return
		}

		if st == http1.Partial {
			c.startRead()
			return
		}

		// Complete or Aborted: the loop guards decide what happens next
	}
}

// badMessage turns a parse error into a 400-class response and drops the
// connection afterwards.
func (c *conn) badMessage(err error) {
	if c.request == nil {
		c.request = http.NewRequest(c)
		c.request.Method = []byte("GET")
		c.request.VersionMajor = 1
	}

	c.shouldKeepAlive = false
	c.request.Status = status.CodeOf(err)
	c.request.Finish()
}

// processOutput pushes the output chain into the socket for as long as it
// doesn't block. The writing guard only spans the drain itself: callback
// sources invoked from within may queue more output, which the running drain
// loop picks up.
func (c *conn) processOutput() {
	if c.writing {
		return
	}

	c.writing = true
	n, err := c.chain.SendTo(c.sink)
	c.writing = false

	c.bytesTransferred += int64(n)

	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		c.armTimeout(c.worker.srv.cfg.Timeouts.WriteIdle)
		c.setInterest(c.interest | poller.Write)
	case err != nil:
		c.chain.Reset()
		c.fireWriteComplete(err)
		c.Close()
	default:
		// chain fully drained
		c.setInterest(c.interest &^ poller.Write)
		c.fireWriteComplete(nil)

		// finalizing resumes the connection, and a pipelined successor's
		// handler writes through here again; the guard must be released by
		// now or its output would sit in the chain with no wake source left
		if c.state == http.StateSendingReplyDone && c.request != nil {
			c.request.Finalize()
		}
	}
}

// SetWriteComplete installs a one-shot callback invoked the next time the
// queued output fully drains, or with the errno when the write path fails.
func (c *conn) SetWriteComplete(fn func(err error, bytes int64)) {
	c.onWriteComplete = fn
}

func (c *conn) fireWriteComplete(err error) {
	if c.onWriteComplete != nil {
		cb := c.onWriteComplete
		c.onWriteComplete = nil
		cb(err, c.bytesTransferred)
	}
}

// message processor callbacks

func (c *conn) MessageBegin(method, uri []byte, vmajor, vminor int) {
	c.requestCount++

	r := http.NewRequest(c)
	// the request outlives this callback, so its slices get promoted to
	// owned copies
	r.Method = append([]byte(nil), method...)
	r.VersionMajor = vmajor
	r.VersionMinor = vminor
	c.request = r

	c.rejectURI = !r.SetURI(append([]byte(nil), uri...))
}

func (c *conn) MessageHeader(name, value []byte) {
	if equalFold(name, "Host") {
		host := value
		for i, b := range host {
			if b == ':' {
				host = host[:i]
				break
			}
		}

		c.request.Hostname = append([]byte(nil), host...)
	}

	// string conversion promotes; the slices die with the callback
	c.request.Headers.Add(string(name), string(value))
}

func (c *conn) MessageHeaderEnd() bool {
	r := c.request
	c.state = http.StateProcessingRequest

	if c.rejectURI {
		c.shouldKeepAlive = false
		r.Status = status.BadRequest
		r.Finish()
		return false
	}

	c.shouldKeepAlive = computeKeepAlive(r)

	contentRequired := r.IsMethod("POST") || r.IsMethod("PUT")
	hasBody := c.proc.ContentLength() > 0 || c.proc.IsChunked()

	switch {
	case contentRequired && c.proc.ContentLength() == -1 && !c.proc.IsChunked():
		r.Status = status.LengthRequired
		r.Finish()
		return false
	case !contentRequired && hasBody:
		c.shouldKeepAlive = false
		r.Status = status.BadRequest
		r.Finish()
		return false
	}

	if expect := r.Header("Expect"); expect != "" {
		r.ExpectingContinue = equalFoldStr(expect, "100-continue")

		if !r.ExpectingContinue || !r.SupportsProtocol(1, 1) {
			r.Status = status.ExpectationFailed
			r.Finish()
			return false
		}
	}

	c.worker.HandleRequest(r)

	return true
}

func (c *conn) MessageContent(chunk []byte) bool {
	if c.request != nil {
		c.request.OnRequestContent(chunk)
	}

	return true
}

func (c *conn) MessageEnd() bool {
	// an empty chunk marks end-of-content for the body consumer
	if c.request != nil {
		c.request.OnRequestContent(nil)
	}

	return true
}

// http.Conn implementation

func (c *conn) Env() http.Env { return c.worker }

func (c *conn) Write(src source.Source) {
	c.chain.Append(src)

	if !c.closed {
		c.processOutput()
	}
}

func (c *conn) WriteCallback(fn func()) bool {
	if c.aborted || c.closed {
		fn()
		return false
	}

	if c.chain.Empty() {
		fn()
		return false
	}

	c.chain.Append(source.NewCallback(fn))

	return true
}

func (c *conn) IsAborted() bool       { return c.aborted || c.closed }
func (c *conn) IsOutputPending() bool { return !c.chain.Empty() }

func (c *conn) ShouldKeepAlive() bool     { return c.shouldKeepAlive }
func (c *conn) SetShouldKeepAlive(v bool) { c.shouldKeepAlive = v }

func (c *conn) State() http.ConnState     { return c.state }
func (c *conn) SetState(s http.ConnState) { c.state = s }

func (c *conn) RequestCount() int    { return c.requestCount }
func (c *conn) ContentLength() int64 { return c.proc.ContentLength() }

func (c *conn) Cork(on bool) {
	if !c.worker.srv.cfg.NET.TCPCork || c.corked == on {
		return
	}

	c.corked = on
	setCork(c.fd, on)
}

// Close shuts the connection down. The actual teardown happens in the worker
// once the current dispatch returns.
func (c *conn) Close() {
	if c.closed {
		return
	}

	c.closed = true
	c.request = nil
	c.deadline = time.Time{}
	c.chain.Reset()

	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
}

// Resume rotates the connection towards the next message: pipelined bytes
// are parsed right away, an empty buffer arms the keep-alive read watch.
func (c *conn) Resume() {
	c.Cork(false)

	c.request = nil
	c.state = http.StateKeepAliveRead

	c.process()
}

func (c *conn) SetAbortHandler(fn func()) {
	c.abortHandler = fn

	if fn != nil && !c.closed {
		c.setInterest(c.interest | poller.Read)
	}
}

func (c *conn) RemoteAddr() string { return c.remoteAddr }
func (c *conn) LocalPort() int     { return c.localPort }

// computeKeepAlive derives the protocol-level default from the request's
// Connection header and HTTP version. Server policy refines it at
// serialization time.
func computeKeepAlive(r *http.Request) bool {
	connection := r.Header("Connection")

	if r.SupportsProtocol(1, 1) {
		return !equalFoldStr(connection, "close")
	}

	return equalFoldStr(connection, "keep-alive")
}
