package http

import (
	"strconv"

	"github.com/indigo-web/utils/strcomp"
	"github.com/keel-web/keel/http/status"
	"github.com/keel-web/keel/internal/source"
)

// Serialize renders the status line plus headers into a buffer source. It is
// invoked right before the first response content is written, or when the
// request finishes without content.
//
// Post-processing performed here, in order: a still-pending 100-continue
// expectation turns into 417, an undefined status into 200; post-process
// hooks fire; chunked transfer encoding is set up for HTTP/1.1 responses of
// unknown length; the keep-alive decision is computed and announced.
func (r *Request) Serialize() source.Source {
	if r.ExpectingContinue {
		r.Status = status.ExpectationFailed
	} else if r.Status == status.Undefined {
		r.Status = status.OK
	}

	hasServerHeader := r.ResponseHeaders.Has("Server")

	for _, fn := range r.onPostProcess {
		fn(r)
	}
	r.conn.Env().PostProcess(r)

	if r.SupportsProtocol(1, 1) &&
		!r.ResponseHeaders.Has("Content-Length") &&
		!r.ResponseHeaders.Has("Transfer-Encoding") &&
		!status.BodyForbidden(r.Status) {
		r.ResponseHeaders.Add("Transfer-Encoding", "chunked")
		r.Filters = append(r.Filters, source.NewChunkedEncoder())
	}

	env := r.conn.Env()
	keepalive := r.conn.ShouldKeepAlive()
	if env.KeepAliveIdle() <= 0 {
		keepalive = false
	}

	// remaining request count allowed on this persistent connection
	remaining := 0
	if limit := env.MaxKeepAliveRequests(); limit > 0 {
		remaining = limit - r.conn.RequestCount()
		if remaining <= 0 {
			remaining = 0
			keepalive = false
		}
	}

	buff := make([]byte, 0, 256)

	if r.SupportsProtocol(1, 1) {
		buff = append(buff, "HTTP/1.1 "...)
	} else {
		buff = append(buff, "HTTP/1.0 "...)
	}

	buff = append(buff, status.Digits(r.Status)...)
	buff = append(buff, ' ')
	buff = append(buff, status.Text(r.Status)...)
	buff = append(buff, '\r', '\n')

	dateFound := false
	for _, pair := range r.ResponseHeaders.Unwrap() {
		if strcomp.EqualFold(pair.Key, "Date") {
			dateFound = true
		}

		buff = append(buff, pair.Key...)
		buff = append(buff, ':', ' ')
		buff = append(buff, pair.Value...)
		buff = append(buff, '\r', '\n')
	}

	if !dateFound {
		buff = append(buff, "Date: "...)
		buff = append(buff, env.HTTPDate()...)
		buff = append(buff, '\r', '\n')
	}

	if env.Advertise() && env.Tag() != "" {
		if hasServerHeader {
			buff = append(buff, "Via: "...)
		} else {
			buff = append(buff, "Server: "...)
		}

		buff = append(buff, env.Tag()...)
		buff = append(buff, '\r', '\n')
	}

	if keepalive {
		buff = append(buff, "Connection: keep-alive\r\nKeep-Alive: timeout="...)
		buff = strconv.AppendInt(buff, int64(env.KeepAliveIdle().Seconds()), 10)

		if remaining > 0 {
			buff = append(buff, ", max="...)
			buff = strconv.AppendInt(buff, int64(remaining), 10)
		}

		buff = append(buff, '\r', '\n')
	} else {
		buff = append(buff, "Connection: close\r\n"...)
	}

	buff = append(buff, '\r', '\n')

	r.conn.SetShouldKeepAlive(keepalive)
	r.conn.Cork(true)

	return source.NewBuffer(buff)
}

// writeDefaultResponseContent streams the built-in minimal HTML error page,
// overwriting Content-Type and Content-Length.
func (r *Request) writeDefaultResponseContent() {
	if status.BodyForbidden(r.Status) {
		return
	}

	text := string(status.Text(r.Status))
	body := "<html><head><title>" + text + "</title></head><body><h1>" +
		status.Digits(r.Status) + " " + text + "</h1></body></html>\r\n"

	r.ResponseHeaders.Overwrite("Content-Type", "text/html")
	r.ResponseHeaders.Overwrite("Content-Length", strconv.Itoa(len(body)))

	r.Write(source.NewBuffer([]byte(body)))
}

// Finish terminates handling of the request. Invoked with no response
// produced yet, it generates one from the status code, running a custom error
// handler first if any. Finishing twice is a no-op the second time.
func (r *Request) Finish() {
	r.conn.SetAbortHandler(nil)
	r.bodyCallback = nil

	if r.conn.IsAborted() {
		if r.conn.State() != StateSendingReplyDone {
			r.conn.SetState(StateSendingReplyDone)
			r.Finalize()
		}

		return
	}

	switch r.conn.State() {
	case StateUndefined, StateReadingRequest, StateProcessingRequest:
		if r.Status == status.Undefined {
			r.Status = status.NotFound
		}

		if r.errorHandler != nil && r.Status >= 400 {
			// reset right away to avoid endless nesting
			handler := r.errorHandler
			r.errorHandler = nil

			if handler(r) {
				return
			}
		}

		switch {
		case status.BodyForbidden(r.Status):
			r.conn.Write(r.Serialize())
		case r.Status == status.OK:
			// a 200 with no body and no announced length is an explicit
			// zero-length response; HEAD responses keep their real length
			if !r.ResponseHeaders.Has("Content-Length") {
				r.ResponseHeaders.Overwrite("Content-Length", "0")
			}

			r.conn.Write(r.Serialize())
		default:
			r.writeDefaultResponseContent()
		}

		r.finishSending()
	case StateSendingReply:
		r.finishSending()
	case StateSendingReplyDone, StateKeepAliveRead:
		// already finished
	}
}

// finishSending pushes the end-of-stream frame through the filter chain and
// finalizes immediately when nothing remains queued.
func (r *Request) finishSending() {
	if len(r.Filters) > 0 {
		r.conn.Write(source.NewFiltered(nil, r.Filters, true))
	}

	r.conn.SetState(StateSendingReplyDone)

	if !r.conn.IsOutputPending() {
		r.Finalize()
	}
}

// Finalize runs once the response is fully flushed: request-done hooks fire,
// request-scoped data is dropped, and the connection either closes or resumes
// for the next message.
func (r *Request) Finalize() {
	for _, fn := range r.onRequestDone {
		fn(r)
	}
	r.conn.Env().RequestDone(r)

	r.onPostProcess = nil
	r.onRequestDone = nil
	r.notes = nil
	r.File = nil

	if r.conn.IsAborted() || !r.conn.ShouldKeepAlive() {
		r.conn.Close()
	} else {
		r.conn.Resume()
	}
}
