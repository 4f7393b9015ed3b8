package source

import "golang.org/x/sys/unix"

// Filter is a composable byte transformer. Process maps an input chunk to an
// output chunk; Finish emits the terminal frame (e.g. the final zero-size
// chunk of a chunked stream) and must be invoked exactly once per response.
type Filter interface {
	Process(chunk []byte) []byte
	Finish() []byte
}

// Chain applies filters in order.
type Chain []Filter

func (c Chain) Process(chunk []byte) []byte {
	for _, f := range c {
		chunk = f.Process(chunk)
	}

	return chunk
}

// Finish finalizes every filter, feeding each terminal frame through the
// remainder of the chain.
func (c Chain) Finish() []byte {
	var out []byte

	for i, f := range c {
		tail := f.Finish()

		for _, next := range c[i+1:] {
			tail = next.Process(tail)
		}

		out = append(out, tail...)
	}

	return out
}

// Filtered wraps a source with a filter chain. With a nil wrapped source it
// degenerates to a pure end-of-stream emitter, which is how the terminal
// frame of an empty body gets onto the wire.
type Filtered struct {
	src      Source
	filters  Chain
	eos      bool
	pending  []byte
	sent     int
	capture  capture
	finished bool
}

// NewFiltered builds a filter source. eos controls whether the chain is
// finalized once src drains; src may be nil.
func NewFiltered(src Source, filters Chain, eos bool) *Filtered {
	return &Filtered{
		src:     src,
		filters: filters,
		eos:     eos,
	}
}

func (f *Filtered) SendTo(sink Sink) (int, error) {
	total := 0

	for {
		// drain transformed output first
		if f.sent < len(f.pending) {
			n, err := sink.Write(f.pending[f.sent:])
			f.sent += n
			total += n

			if err != nil {
				return total, err
			}

			if f.sent < len(f.pending) {
				continue
			}
		}

		f.pending = f.pending[:0]
		f.sent = 0

		chunk, done, err := f.pull()
		if err != nil {
			return total, err
		}

		if done {
			return total, nil
		}

		// a filter is free to buffer and hand back nothing; keep pulling
		f.pending = append(f.pending, chunk...)
	}
}

// pull obtains the next transformed chunk; done marks the end of the stream.
func (f *Filtered) pull() (chunk []byte, done bool, err error) {
	if f.src != nil {
		f.capture.data = f.capture.data[:0]

		n, err := f.src.SendTo(&f.capture)
		if err != nil {
			return nil, false, err
		}

		if n > 0 {
			return f.filters.Process(f.capture.data), false, nil
		}

		f.src = nil
	}

	if f.eos && !f.finished {
		f.finished = true
		return f.filters.Finish(), false, nil
	}

	return nil, true, nil
}

func (f *Filtered) Reset() {
	if f.src != nil {
		f.src.Reset()
		f.src = nil
	}

	f.pending = f.pending[:0]
	f.sent = 0
}

// filterReadChunk bounds how much file content a single pull drags through
// the filter chain.
const filterReadChunk = 64 * 1024

// capture is an in-memory sink used to pull bytes out of the wrapped source.
type capture struct {
	data    []byte
	scratch []byte
}

func (c *capture) Write(p []byte) (int, error) {
	c.data = append(c.data, p...)
	return len(p), nil
}

func (c *capture) Sendfile(fd int, off int64, count int) (int, error) {
	if count > filterReadChunk {
		count = filterReadChunk
	}

	if cap(c.scratch) < count {
		c.scratch = make([]byte, count)
	}

	n, err := unix.Pread(fd, c.scratch[:count], off)
	if err != nil {
		return 0, err
	}

	c.data = append(c.data, c.scratch[:n]...)

	return n, nil
}
