package server

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Listener owns one bound, non-blocking, close-on-exec accepting socket and
// hands accepted descriptors to workers chosen by the server's admission
// policy. The stop pipe wakes the accept loop on shutdown; closing the
// listening fd alone would leave a blocked poll hanging.
type Listener struct {
	fd    int
	srv   *Server
	addr  string
	port  int
	unix  bool
	stopR int
	stopW int
	once  sync.Once
}

func (l *Listener) initStopPipe() error {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return err
	}

	l.stopR, l.stopW = p[0], p[1]

	return nil
}

func newTCPListener(srv *Server, host string, port int) (*Listener, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("listen: bad host %q", host)
	}

	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := newSocket(family)
	if err != nil {
		return nil, err
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	if err = bindListen(fd, sa, srv.cfg.NET.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	boundPort := port
	if port == 0 {
		if lsa, err := unix.Getsockname(fd); err == nil {
			switch v := lsa.(type) {
			case *unix.SockaddrInet4:
				boundPort = v.Port
			case *unix.SockaddrInet6:
				boundPort = v.Port
			}
		}
	}

	l := &Listener{
		fd:   fd,
		srv:  srv,
		addr: net.JoinHostPort(host, strconv.Itoa(boundPort)),
		port: boundPort,
	}

	if err = l.initStopPipe(); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return l, nil
}

func newUnixListener(srv *Server, path string) (*Listener, error) {
	fd, err := newSocket(unix.AF_UNIX)
	if err != nil {
		return nil, err
	}

	// a stale socket file from a previous run would fail the bind
	_ = os.Remove(path)

	if err = bindListen(fd, &unix.SockaddrUnix{Name: path}, srv.cfg.NET.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &Listener{
		fd:   fd,
		srv:  srv,
		addr: path,
		unix: true,
	}

	if err = l.initStopPipe(); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, err
	}

	return l, nil
}

// newSocket creates a non-blocking close-on-exec stream socket the portable
// way; SOCK_NONBLOCK-style creation flags don't exist on every platform.
func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	unix.CloseOnExec(fd)

	return fd, nil
}

func bindListen(fd int, sa unix.Sockaddr, backlog int) error {
	if err := unix.Bind(fd, sa); err != nil {
		return err
	}

	return unix.Listen(fd, backlog)
}

// Addr returns the bound address in display form.
func (l *Listener) Addr() string {
	return l.addr
}

// Port returns the bound TCP port, 0 for unix-domain listeners.
func (l *Listener) Port() int {
	return l.port
}

// run accepts connections until the socket is closed, dispatching each to a
// worker. Runs on its own goroutine.
func (l *Listener) run() {
	defer func() { _ = unix.Close(l.stopR) }()

	pollFds := []unix.PollFd{
		{Fd: int32(l.fd), Events: unix.POLLIN},
		{Fd: int32(l.stopR), Events: unix.POLLIN},
	}

	for {
		pollFds[0].Revents = 0
		pollFds[1].Revents = 0

		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return
		}

		if pollFds[1].Revents != 0 {
			return
		}

		if pollFds[0].Revents&(unix.POLLNVAL|unix.POLLERR) != 0 {
			return
		}

		if !l.acceptPending() {
			return
		}
	}
}

// acceptPending accepts until the socket drains. Returns false when the
// listener is gone.
func (l *Listener) acceptPending() bool {
	for {
		fd, sa, err := acceptConn(l.fd)

		switch err {
		case nil:
		case unix.EAGAIN:
			return true
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EBADF, unix.EINVAL:
			return false
		default:
			log.Printf("keel: accept on %s: %v", l.addr, err)
			return true
		}

		l.srv.selectWorker().Enqueue(fd, remoteString(sa), l)
	}
}

func (l *Listener) close() {
	l.once.Do(func() {
		_ = unix.Close(l.stopW)
		_ = unix.Close(l.fd)

		if l.unix {
			_ = os.Remove(l.addr)
		}
	})
}

func remoteString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrUnix:
		return v.Name
	default:
		return ""
	}
}
