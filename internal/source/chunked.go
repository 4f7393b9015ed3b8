package source

import "strconv"

var chunkedFinalizer = []byte("0\r\n\r\n")

// ChunkedEncoder frames its input per the HTTP/1.1 chunked transfer coding.
// Empty input chunks produce no output, as a zero-size frame would terminate
// the stream; the terminal frame is emitted by Finish alone.
type ChunkedEncoder struct {
	buff []byte
}

func NewChunkedEncoder() *ChunkedEncoder {
	return new(ChunkedEncoder)
}

// Process returns the framed chunk. The returned slice is reused by the next
// call.
func (c *ChunkedEncoder) Process(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}

	c.buff = c.buff[:0]
	c.buff = strconv.AppendUint(c.buff, uint64(len(chunk)), 16)
	c.buff = append(c.buff, '\r', '\n')
	c.buff = append(c.buff, chunk...)
	c.buff = append(c.buff, '\r', '\n')

	return c.buff
}

func (c *ChunkedEncoder) Finish() []byte {
	return chunkedFinalizer
}
