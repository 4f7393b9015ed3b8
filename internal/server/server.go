package server

import (
	"sync"
	"sync/atomic"

	"github.com/keel-web/keel/config"
	"github.com/keel-web/keel/http"
)

// Handler is the application entry point: it observes the request, queues
// response sources and terminates the exchange with Finish.
type Handler func(r *http.Request)

// Server holds the worker fleet, the listeners feeding it, and the hook
// registries.
type Server struct {
	cfg     *config.Config
	handler Handler

	workers   []*Worker
	listeners []*Listener
	nextWk    atomic.Uint32

	connOpen    hookRegistry
	connClose   hookRegistry
	preProcess  hookRegistry
	postProcess hookRegistry
	requestDone hookRegistry

	wg      sync.WaitGroup
	started bool
}

func New(cfg *config.Config, handler Handler) (*Server, error) {
	cfg = config.Fill(cfg)

	s := &Server{
		cfg:     cfg,
		handler: handler,
	}

	for i := 0; i < cfg.Server.Workers; i++ {
		w, err := newWorker(i, s)
		if err != nil {
			for _, prev := range s.workers {
				_ = prev.poller.Close()
			}

			return nil, err
		}

		s.workers = append(s.workers, w)
	}

	return s, nil
}

// SetHandler installs the application handler. Must be called before Start.
func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

// ListenTCP binds a TCP listening socket.
func (s *Server) ListenTCP(host string, port int) (*Listener, error) {
	l, err := newTCPListener(s, host, port)
	if err != nil {
		return nil, err
	}

	s.listeners = append(s.listeners, l)

	return l, nil
}

// ListenUnix binds a unix-domain listening socket.
func (s *Server) ListenUnix(path string) (*Listener, error) {
	l, err := newUnixListener(s, path)
	if err != nil {
		return nil, err
	}

	s.listeners = append(s.listeners, l)

	return l, nil
}

// Start launches the workers and accept loops. It does not block.
func (s *Server) Start() {
	if s.started {
		return
	}
	s.started = true

	for _, w := range s.workers {
		w := w

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run()
		}()
	}

	for _, l := range s.listeners {
		l := l

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			l.run()
		}()
	}
}

// Stop closes the listeners, tears every connection down and waits for the
// workers to exit.
func (s *Server) Stop() {
	s.shutdown(false)
}

// GracefulStop closes the listeners but lets in-flight connections end their
// lives peacefully before the workers exit.
func (s *Server) GracefulStop() {
	s.shutdown(true)
}

func (s *Server) shutdown(graceful bool) {
	for _, l := range s.listeners {
		l.close()
	}

	if !s.started {
		for _, w := range s.workers {
			_ = w.poller.Close()
		}

		return
	}

	for _, w := range s.workers {
		w.Shutdown(graceful)
	}

	s.wg.Wait()
}

// selectWorker picks the worker for the next accepted connection.
// Round-robin keeps the loops evenly loaded without cross-thread accounting.
func (s *Server) selectWorker() *Worker {
	n := s.nextWk.Add(1)
	return s.workers[int(n-1)%len(s.workers)]
}

// Hook registration. Handlers run in registration order; request-level hooks
// may short-circuit by finishing the request.

func (s *Server) OnConnectionOpen(fn func(http.Conn)) *Hook {
	return s.connOpen.add(fn)
}

func (s *Server) OnConnectionClose(fn func(http.Conn)) *Hook {
	return s.connClose.add(fn)
}

func (s *Server) OnPreProcess(fn func(*http.Request)) *Hook {
	return s.preProcess.add(fn)
}

func (s *Server) OnPostProcess(fn func(*http.Request)) *Hook {
	return s.postProcess.add(fn)
}

func (s *Server) OnRequestDone(fn func(*http.Request)) *Hook {
	return s.requestDone.add(fn)
}

func (s *Server) fireConnOpen(c *conn) {
	for _, hook := range s.connOpen.snapshot() {
		hook.(func(http.Conn))(c)
	}
}

func (s *Server) fireConnClose(c *conn) {
	for _, hook := range s.connClose.snapshot() {
		hook.(func(http.Conn))(c)
	}
}
