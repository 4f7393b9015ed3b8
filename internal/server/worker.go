package server

import (
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/keel-web/keel/http"
	"github.com/keel-web/keel/internal/fcache"
	"github.com/keel-web/keel/internal/poller"
)

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

const fileInfoCacheSize = 1024

type accepted struct {
	fd       int
	remote   string
	listener *Listener
}

// Worker runs one event loop and owns every connection bound to it. A
// connection never migrates; once enqueued here, its whole lifetime plays out
// on this loop.
type Worker struct {
	id  int
	srv *Server

	poller poller.Poller
	conns  map[int]*conn
	events []poller.Event

	// the only cross-thread entry point: listeners push accepted sockets
	// here and wake the loop up
	mu        sync.Mutex
	queue     []accepted
	exit      bool
	drain     bool
	suspended bool

	fileinfo *fcache.Cache

	now      time.Time
	httpDate string
}

func newWorker(id int, srv *Server) (*Worker, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}

	return &Worker{
		id:       id,
		srv:      srv,
		poller:   p,
		conns:    make(map[int]*conn),
		events:   make([]poller.Event, 256),
		fileinfo: fcache.New(fileInfoCacheSize),
		now:      time.Now(),
	}, nil
}

// Enqueue hands an accepted socket over to this worker. Safe to call from the
// listener thread.
func (w *Worker) Enqueue(fd int, remote string, l *Listener) {
	w.mu.Lock()
	w.queue = append(w.queue, accepted{fd: fd, remote: remote, listener: l})
	w.mu.Unlock()

	_ = w.poller.Wakeup()
}

// Suspend makes the loop hold newly accepted sockets in the queue without
// admitting them, until Resume. In-flight connections are unaffected.
func (w *Worker) Suspend() {
	w.mu.Lock()
	w.suspended = true
	w.mu.Unlock()

	_ = w.poller.Wakeup()
}

// Resume lifts a Suspend; held sockets are admitted on the next tick.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.suspended = false
	w.mu.Unlock()

	_ = w.poller.Wakeup()
}

// Shutdown asks the loop to stop. With graceful set, the loop first lets the
// connections it owns finish.
func (w *Worker) Shutdown(graceful bool) {
	w.mu.Lock()
	if graceful {
		w.drain = true
	} else {
		w.exit = true
	}
	w.mu.Unlock()

	_ = w.poller.Wakeup()
}

// Run executes the event loop until shutdown. Dispatch kinds, in order per
// tick: new connections, socket readiness, timer expiry.
func (w *Worker) Run() {
	defer w.teardown()

	for {
		n, err := w.poller.Wait(w.events, w.pollTimeout())
		if err != nil {
			log.Printf("keel: worker %d: poll: %v", w.id, err)
			return
		}

		w.tick()

		exit, drain := w.takeControl()
		if exit {
			return
		}

		for i := 0; i < n; i++ {
			ev := w.events[i]

			c, ok := w.conns[ev.Fd]
			if !ok {
				continue
			}

			c.io(ev)

			if c.closed {
				w.destroy(c)
			}
		}

		w.expire()

		if drain && len(w.conns) == 0 {
			return
		}
	}
}

// tick refreshes the loop-cached clock and Date header value.
func (w *Worker) tick() {
	w.now = time.Now()
	w.httpDate = ""
}

// takeControl drains the cross-thread queue and reports shutdown requests.
// While suspended, accepted sockets stay queued.
func (w *Worker) takeControl() (exit, drain bool) {
	w.mu.Lock()
	var pending []accepted
	if !w.suspended || w.exit || w.drain {
		pending = w.queue
		w.queue = nil
	}
	exit = w.exit
	drain = w.drain
	w.mu.Unlock()

	for _, a := range pending {
		if exit || drain {
			_ = unix.Close(a.fd)
			continue
		}

		w.onNewConnection(a)
	}

	return exit, drain
}

func (w *Worker) onNewConnection(a accepted) {
	c := newConn(w, a.listener, a.fd, a.remote)
	w.conns[a.fd] = c

	c.start()

	if c.closed {
		w.destroy(c)
	}
}

// destroy releases a closed connection: poller deregistration, descriptor
// close, close hooks. Runs outside any of the connection's own frames.
func (w *Worker) destroy(c *conn) {
	if _, owned := w.conns[c.fd]; !owned {
		return
	}

	delete(w.conns, c.fd)

	if c.polled {
		_ = w.poller.Remove(c.fd)
	}

	_ = unix.Close(c.fd)

	w.srv.fireConnClose(c)
}

// pollTimeout returns milliseconds until the nearest connection deadline.
func (w *Worker) pollTimeout() int {
	nearest := time.Time{}

	for _, c := range w.conns {
		if c.deadline.IsZero() {
			continue
		}

		if nearest.IsZero() || c.deadline.Before(nearest) {
			nearest = c.deadline
		}
	}

	if nearest.IsZero() {
		return -1
	}

	ms := int(time.Until(nearest) / time.Millisecond)
	if ms < 0 {
		return 0
	}

	return ms + 1
}

// expire closes connections whose pending timer has fired.
func (w *Worker) expire() {
	var expired []*conn

	for _, c := range w.conns {
		if !c.deadline.IsZero() && c.deadline.Before(w.now) {
			expired = append(expired, c)
		}
	}

	for _, c := range expired {
		c.onTimeout()
		w.destroy(c)
	}
}

func (w *Worker) teardown() {
	for _, c := range w.conns {
		c.Close()
		w.destroy(c)
	}

	w.fileinfo.Clear()
	_ = w.poller.Close()
}

// http.Env implementation

func (w *Worker) Tag() string                  { return w.srv.cfg.HTTP.Tag }
func (w *Worker) Advertise() bool              { return w.srv.cfg.HTTP.Advertise }
func (w *Worker) KeepAliveIdle() time.Duration { return w.srv.cfg.Timeouts.KeepAliveIdle }
func (w *Worker) MaxKeepAliveRequests() int    { return w.srv.cfg.HTTP.MaxKeepAliveRequests }

func (w *Worker) HTTPDate() string {
	if w.httpDate == "" {
		w.httpDate = w.now.UTC().Format(httpTimeFormat)
	}

	return w.httpDate
}

func (w *Worker) FileInfo(path string) *http.FileInfo {
	return w.fileinfo.Lookup(path)
}

// HandleRequest runs the pre-process hooks and the application handler. Any
// hook may short-circuit the exchange by finishing the request.
func (w *Worker) HandleRequest(r *http.Request) {
	for _, hook := range w.srv.preProcess.snapshot() {
		hook.(func(*http.Request))(r)

		if r.Conn().State() != http.StateProcessingRequest {
			return
		}
	}

	if w.srv.handler == nil {
		r.Finish()
		return
	}

	w.srv.handler(r)
}

func (w *Worker) PostProcess(r *http.Request) {
	for _, hook := range w.srv.postProcess.snapshot() {
		hook.(func(*http.Request))(r)
	}
}

func (w *Worker) RequestDone(r *http.Request) {
	for _, hook := range w.srv.requestDone.snapshot() {
		hook.(func(*http.Request))(r)
	}
}
