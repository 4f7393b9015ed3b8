//go:build !linux

package http

// posix_fadvise is not available everywhere; elsewhere this is a no-op.
func fadvise(int, int64, int64) {}
