package http

import (
	"time"

	"github.com/keel-web/keel/internal/source"
)

// ConnState tracks where a connection stands in the request/response cycle.
type ConnState uint8

const (
	StateUndefined ConnState = iota
	StateReadingRequest
	StateProcessingRequest
	StateSendingReply
	StateSendingReplyDone
	StateKeepAliveRead
)

func (s ConnState) String() string {
	switch s {
	case StateReadingRequest:
		return "reading-request"
	case StateProcessingRequest:
		return "processing-request"
	case StateSendingReply:
		return "sending-reply"
	case StateSendingReplyDone:
		return "sending-reply-done"
	case StateKeepAliveRead:
		return "keep-alive-read"
	default:
		return "undefined"
	}
}

// Conn is the connection as seen from a request. Every method must be called
// on the owning worker only.
type Conn interface {
	Env() Env

	// Write appends a source to the output chain and triggers flushing.
	Write(src source.Source)
	// WriteCallback arranges fn to run once all preceding output has been
	// flushed: queued as a callback source if output is pending, invoked
	// inline otherwise. Returns false when fn ran inline.
	WriteCallback(fn func()) bool

	IsAborted() bool
	IsOutputPending() bool

	ShouldKeepAlive() bool
	SetShouldKeepAlive(bool)

	State() ConnState
	SetState(ConnState)

	// RequestCount counts requests begun on this connection, the current one
	// included.
	RequestCount() int
	// ContentLength reports the Content-Length of the in-flight request
	// message, -1 if none was present.
	ContentLength() int64

	// Cork toggles TCP_CORK where supported.
	Cork(on bool)

	Close()
	Resume()

	// SetAbortHandler installs the client-abort callback. The handler must
	// not touch the request object; it may be gone already.
	SetAbortHandler(fn func())

	// SetWriteComplete installs a one-shot callback invoked once the queued
	// output drains, or with the errno when the write path fails. The byte
	// count is the connection's running transmit total.
	SetWriteComplete(fn func(err error, bytes int64))

	RemoteAddr() string
	LocalPort() int
}

// Env is the server-level environment a request executes in.
type Env interface {
	Tag() string
	Advertise() bool
	KeepAliveIdle() time.Duration
	MaxKeepAliveRequests() int
	// HTTPDate returns the current time preformatted for a Date header.
	HTTPDate() string
	// FileInfo resolves a path through the per-worker file metadata cache.
	FileInfo(path string) *FileInfo
	// HandleRequest runs pre-process hooks and the application handler.
	HandleRequest(r *Request)
	PostProcess(r *Request)
	RequestDone(r *Request)
}
