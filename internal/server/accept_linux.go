//go:build linux

package server

import "golang.org/x/sys/unix"

// acceptConn accepts with the non-blocking and close-on-exec flags applied
// atomically.
func acceptConn(lfd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
