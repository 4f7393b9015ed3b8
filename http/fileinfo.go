package http

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileInfo is cached metadata about one filesystem path. Instances are owned
// by the per-worker file-info cache and shared with requests for the duration
// of an exchange.
type FileInfo struct {
	Path         string
	Exists       bool
	IsDir        bool
	Size         int64
	MTime        time.Time
	ETag         string
	LastModified string
	Mimetype     string
	// Err records why the path could not be resolved (e.g. unix.ENOTDIR when
	// a path component is a regular file).
	Err error

	mu sync.Mutex
	fd int
}

// NewFileInfo returns a FileInfo with no descriptor attached yet.
func NewFileInfo(path string) *FileInfo {
	return &FileInfo{Path: path, fd: -1}
}

// Handle returns an open read-only descriptor for the file, opening and
// caching it on first use. Returns a negative value on failure. The cache
// closes the descriptor when the entry is dropped.
func (f *FileInfo) Handle() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd >= 0 {
		return f.fd
	}

	fd, err := unix.Open(f.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1
	}

	f.fd = fd

	return fd
}

// Close releases the cached descriptor, if any.
func (f *FileInfo) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd >= 0 {
		_ = unix.Close(f.fd)
		f.fd = -1
	}
}
