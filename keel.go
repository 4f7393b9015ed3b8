package keel

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/keel-web/keel/config"
	"github.com/keel-web/keel/http"
	"github.com/keel-web/keel/internal/server"
)

// Handler is the application request handler: it observes the request, queues
// response sources and terminates the exchange with Finish. Handlers must not
// retain the request past its request-done hooks.
type Handler = server.Handler

// Hook is an opaque registration handle; Unregister removes the hook again.
type Hook = server.Hook

type listenSpec struct {
	network string // "tcp" or "unix"
	host    string
	port    int
	path    string
}

// App is the public face of the server: listeners, the worker fleet
// underneath, the hook registries and the request handler.
type App struct {
	cfg     *config.Config
	handler Handler
	specs   []listenSpec

	mu      sync.Mutex
	srv     *server.Server
	started bool
	bound   []string
	doneCh  chan struct{}
}

// New returns a new App listening on addr ("host:port"; an empty host binds
// all interfaces).
func New(addr string) *App {
	a := &App{
		cfg:    config.Default(),
		doneCh: make(chan struct{}),
	}

	return a.Listen(addr)
}

// Tune replaces the default configuration. Must be called before the first
// hook registration or Start.
func (a *App) Tune(cfg *config.Config) *App {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.srv != nil {
		panic("keel: Tune must precede hook registration and Start")
	}

	a.cfg = config.Fill(cfg)

	return a
}

// Listen adds another TCP listener address.
func (a *App) Listen(addr string) *App {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(fmt.Errorf("keel: listen: bad addr %q: %v", addr, err))
	}

	if host == "" {
		host = "0.0.0.0"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		panic(fmt.Errorf("keel: listen: bad port %q", portStr))
	}

	a.specs = append(a.specs, listenSpec{network: "tcp", host: host, port: port})

	return a
}

// ListenUnix adds a unix-domain listener at the given filesystem path.
func (a *App) ListenUnix(path string) *App {
	a.specs = append(a.specs, listenSpec{network: "unix", path: path})
	return a
}

// OnRequest installs the application handler.
func (a *App) OnRequest(handler Handler) *App {
	a.handler = handler
	return a
}

// Start binds the listeners and launches the workers without blocking.
func (a *App) Start() error {
	srv, err := a.server()
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	srv.SetHandler(a.handler)

	bound := make([]string, 0, len(a.specs))

	for _, spec := range a.specs {
		var l *server.Listener

		if spec.network == "unix" {
			l, err = srv.ListenUnix(spec.path)
		} else {
			l, err = srv.ListenTCP(spec.host, spec.port)
		}

		if err != nil {
			srv.Stop()
			return err
		}

		bound = append(bound, l.Addr())
	}

	a.mu.Lock()
	a.bound = bound
	a.mu.Unlock()

	srv.Start()

	return nil
}

// Serve runs the application until Stop or GracefulStop is called.
func (a *App) Serve() error {
	if err := a.Start(); err != nil {
		return err
	}

	<-a.doneCh

	return nil
}

// Addrs reports the bound listener addresses once Start has succeeded;
// useful with port 0.
func (a *App) Addrs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.bound...)
}

// Stop tears all connections down and stops the server.
func (a *App) Stop() {
	a.shutdown(func(s *server.Server) { s.Stop() })
}

// GracefulStop stops accepting and lets in-flight connections finish.
func (a *App) GracefulStop() {
	a.shutdown(func(s *server.Server) { s.GracefulStop() })
}

func (a *App) shutdown(stop func(*server.Server)) {
	a.mu.Lock()
	srv := a.srv
	started := a.started
	a.srv = nil
	a.mu.Unlock()

	if srv == nil || !started {
		return
	}

	stop(srv)
	close(a.doneCh)
}

// Hook registration points. Hooks run in registration order; request-level
// hooks may short-circuit an exchange by finishing the request.

func (a *App) OnConnectionOpen(fn func(http.Conn)) *Hook  { return a.mustServer().OnConnectionOpen(fn) }
func (a *App) OnConnectionClose(fn func(http.Conn)) *Hook { return a.mustServer().OnConnectionClose(fn) }
func (a *App) OnPreProcess(fn func(*http.Request)) *Hook  { return a.mustServer().OnPreProcess(fn) }
func (a *App) OnPostProcess(fn func(*http.Request)) *Hook { return a.mustServer().OnPostProcess(fn) }
func (a *App) OnRequestDone(fn func(*http.Request)) *Hook { return a.mustServer().OnRequestDone(fn) }

// server lazily builds the underlying server so hooks can be registered
// ahead of Start.
func (a *App) server() (*server.Server, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.srv == nil {
		srv, err := server.New(a.cfg, a.handler)
		if err != nil {
			return nil, err
		}

		a.srv = srv
	}

	return a.srv, nil
}

func (a *App) mustServer() *server.Server {
	srv, err := a.server()
	if err != nil {
		panic(fmt.Errorf("keel: %v", err))
	}

	return srv
}
