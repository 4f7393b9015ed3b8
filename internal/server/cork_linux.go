//go:build linux

package server

import "golang.org/x/sys/unix"

func setCork(fd int, on bool) {
	value := 0
	if on {
		value = 1
	}

	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, value)
}
