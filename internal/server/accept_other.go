//go:build !linux

package server

import "golang.org/x/sys/unix"

// acceptConn accepts and applies the non-blocking and close-on-exec flags
// after the fact; accept4 isn't universally available.
func acceptConn(lfd int) (int, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept(lfd)
	if err != nil {
		return fd, sa, err
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	unix.CloseOnExec(fd)

	return fd, sa, nil
}
