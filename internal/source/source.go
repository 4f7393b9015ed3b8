package source

// Source is a producer of response bytes consumed by the socket write path.
//
// SendTo pushes as much as the sink accepts. A return of (0, nil) means the
// source is exhausted; a positive n reports progress; unix.EAGAIN/EINTR
// surface unchanged so the caller can re-arm its write watch.
type Source interface {
	SendTo(sink Sink) (n int, err error)
	// Reset discards any unsent content and transfer progress.
	Reset()
}

// Buffer is a source backed by an owned byte slice.
type Buffer struct {
	data []byte
	pos  int
}

func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) SendTo(sink Sink) (int, error) {
	if b.pos == len(b.data) {
		return 0, nil
	}

	n, err := sink.Write(b.data[b.pos:])
	b.pos += n

	return n, err
}

func (b *Buffer) Reset() {
	b.pos = len(b.data)
}

// File is a zero-copy source streaming length bytes of fd starting at offset.
// Last marks the final file chunk of a multi-part transfer; the fd itself is
// owned by whoever opened it, commonly the file-info cache.
type File struct {
	Fd     int
	Last   bool
	offset int64
	length int
}

func NewFile(fd int, offset int64, length int, last bool) *File {
	return &File{
		Fd:     fd,
		Last:   last,
		offset: offset,
		length: length,
	}
}

func (f *File) SendTo(sink Sink) (int, error) {
	if f.length == 0 {
		return 0, nil
	}

	n, err := sink.Sendfile(f.Fd, f.offset, f.length)
	f.offset += int64(n)
	f.length -= n

	return n, err
}

func (f *File) Reset() {
	f.length = 0
}

// Callback is a deferred closure invoked inline once the write path reaches
// it in the output stream.
type Callback struct {
	fn     func()
	called bool
}

func NewCallback(fn func()) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) SendTo(Sink) (int, error) {
	c.invoke()
	return 0, nil
}

func (c *Callback) Reset() {
	// a queued callback still fires on teardown, mirroring the inline-invoke
	// contract for aborted connections
	c.invoke()
}

func (c *Callback) invoke() {
	if !c.called {
		c.called = true
		c.fn()
	}
}

// Composite is an ordered sequence of sources consumed FIFO. Appending while
// a SendTo is in flight is allowed; new sources are picked up in the same
// drain loop.
type Composite struct {
	sources []Source
}

func NewComposite(sources ...Source) *Composite {
	return &Composite{sources: sources}
}

func (c *Composite) Append(src Source) {
	c.sources = append(c.sources, src)
}

func (c *Composite) Empty() bool {
	return len(c.sources) == 0
}

func (c *Composite) SendTo(sink Sink) (int, error) {
	total := 0

	for len(c.sources) > 0 {
		n, err := c.sources[0].SendTo(sink)
		total += n

		if err != nil {
			return total, err
		}

		if n == 0 {
			c.sources = c.sources[1:]
		}
	}

	return total, nil
}

func (c *Composite) Reset() {
	for _, src := range c.sources {
		src.Reset()
	}

	c.sources = c.sources[:0]
}
