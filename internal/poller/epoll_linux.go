//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd    int
	eventFd int
	events  []unix.EpollEvent
}

// New creates an epoll-backed poller with an eventfd wakeup channel.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &epollPoller{
		epfd:    epfd,
		eventFd: eventFd,
		events:  make([]unix.EpollEvent, 256),
	}

	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, eventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventFd),
	})
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func epollEvents(interest Interest) uint32 {
	// level-triggered on purpose; the connection re-arms interests as its
	// state machine advances
	events := uint32(unix.EPOLLRDHUP)

	if interest&Read != 0 {
		events |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		events |= unix.EPOLLOUT
	}

	return events
}

func (p *epollPoller) Add(fd int, interest Interest) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(events []Event, timeoutMS int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}

		return 0, err
	}

	filled := 0
	for i := 0; i < n && filled < len(events); i++ {
		ev := p.events[i]

		if int(ev.Fd) == p.eventFd {
			p.drainWakeup()
			continue
		}

		events[filled] = Event{
			Fd:       int(ev.Fd),
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		}
		filled++
	}

	return filled, nil
}

func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.eventFd, buf[:])
}

func (p *epollPoller) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(p.eventFd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated; a wakeup is pending anyway
		return nil
	}

	return err
}

func (p *epollPoller) Close() error {
	_ = unix.Close(p.eventFd)
	return unix.Close(p.epfd)
}
