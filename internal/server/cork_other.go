//go:build !linux

package server

// TCP_CORK is Linux-only; elsewhere corking is a no-op.
func setCork(int, bool) {}
