//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import "golang.org/x/sys/unix"

type kqueuePoller struct {
	kq     int
	wakeR  int
	wakeW  int
	events []unix.Kevent_t
}

// New creates a kqueue-backed poller with a pipe wakeup channel.
func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	var pipeFds [2]int
	if err = unix.Pipe(pipeFds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}

	_ = unix.SetNonblock(pipeFds[0], true)
	_ = unix.SetNonblock(pipeFds[1], true)

	p := &kqueuePoller{
		kq:     kq,
		wakeR:  pipeFds[0],
		wakeW:  pipeFds[1],
		events: make([]unix.Kevent_t, 256),
	}

	if err = p.Add(p.wakeR, Read); err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func (p *kqueuePoller) apply(fd int, interest Interest) error {
	changes := make([]unix.Kevent_t, 0, 2)

	var kev unix.Kevent_t

	flags := unix.EV_ADD | unix.EV_ENABLE
	if interest&Read == 0 {
		flags = unix.EV_DELETE
	}
	unix.SetKevent(&kev, fd, unix.EVFILT_READ, flags)
	changes = append(changes, kev)

	flags = unix.EV_ADD | unix.EV_ENABLE
	if interest&Write == 0 {
		flags = unix.EV_DELETE
	}
	unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, flags)
	changes = append(changes, kev)

	for _, change := range changes {
		if _, err := unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
			if change.Flags&unix.EV_DELETE != 0 {
				// removing a filter that was never added is fine
				continue
			}

			return err
		}
	}

	return nil
}

func (p *kqueuePoller) Add(fd int, interest Interest) error {
	return p.apply(fd, interest)
}

func (p *kqueuePoller) Modify(fd int, interest Interest) error {
	return p.apply(fd, interest)
}

func (p *kqueuePoller) Remove(fd int) error {
	var kev unix.Kevent_t

	unix.SetKevent(&kev, fd, unix.EVFILT_READ, unix.EV_DELETE)
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)

	unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)

	return nil
}

func (p *kqueuePoller) Wait(events []Event, timeoutMS int) (int, error) {
	var timeout *unix.Timespec
	if timeoutMS >= 0 {
		ts := unix.NsecToTimespec(int64(timeoutMS) * 1e6)
		timeout = &ts
	}

	n, err := unix.Kevent(p.kq, nil, p.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}

		return 0, err
	}

	filled := 0
	for i := 0; i < n && filled < len(events); i++ {
		kev := p.events[i]
		fd := int(kev.Ident)

		if fd == p.wakeR {
			var buf [64]byte
			_, _ = unix.Read(p.wakeR, buf[:])
			continue
		}

		events[filled] = Event{
			Fd:       fd,
			Readable: kev.Filter == unix.EVFILT_READ,
			Writable: kev.Filter == unix.EVFILT_WRITE,
			Hangup:   kev.Flags&unix.EV_EOF != 0,
		}
		filled++
	}

	return filled, nil
}

func (p *kqueuePoller) Wakeup() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}

	return err
}

func (p *kqueuePoller) Close() error {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)

	return unix.Close(p.kq)
}
