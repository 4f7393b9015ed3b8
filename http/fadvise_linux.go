//go:build linux

package http

import "golang.org/x/sys/unix"

// fadvise hints the kernel that the byte range will be read sequentially.
func fadvise(fd int, offset, length int64) {
	_ = unix.Fadvise(fd, offset, length, unix.FADV_SEQUENTIAL)
}
