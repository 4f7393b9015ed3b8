package source

import "golang.org/x/sys/unix"

// Sink abstracts the receiving end of a transfer: a connected socket in
// production, an in-memory buffer in tests.
type Sink interface {
	Write(p []byte) (int, error)
	// Sendfile transfers count bytes of fd starting at off, without the data
	// passing through user space where the platform allows it.
	Sendfile(fd int, off int64, count int) (int, error)
}

// Socket is a Sink over a connected non-blocking socket fd. Errors are raw
// errnos (unix.EAGAIN, unix.EINTR, ...) for the connection to dispatch on.
type Socket struct {
	Fd int
}

func (s Socket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.Fd, p)
	if n < 0 {
		n = 0
	}

	return n, err
}

func (s Socket) Sendfile(fd int, off int64, count int) (int, error) {
	n, err := unix.Sendfile(s.Fd, fd, &off, count)
	if n < 0 {
		n = 0
	}

	return n, err
}

// BufferSink collects everything written into memory. Sendfile is emulated
// with pread. Test helper.
type BufferSink struct {
	Data []byte
	// Limit caps how many bytes a single Write/Sendfile accepts; 0 means
	// unlimited. Lets tests exercise partial-write paths.
	Limit int
}

func (b *BufferSink) Write(p []byte) (int, error) {
	if b.Limit > 0 && len(p) > b.Limit {
		p = p[:b.Limit]
	}

	b.Data = append(b.Data, p...)

	return len(p), nil
}

func (b *BufferSink) Sendfile(fd int, off int64, count int) (int, error) {
	if b.Limit > 0 && count > b.Limit {
		count = b.Limit
	}

	chunk := make([]byte, count)
	n, err := unix.Pread(fd, chunk, off)
	if err != nil {
		return 0, err
	}

	b.Data = append(b.Data, chunk[:n]...)

	return n, nil
}
