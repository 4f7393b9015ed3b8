package source

import (
	"io"
	"os"
	"testing"

	"github.com/indigo-web/chunkedbody"
	"github.com/stretchr/testify/require"
)

// drain keeps calling SendTo until the source reports exhaustion, the way the
// connection write loop does.
func drain(t *testing.T, src Source, sink Sink) int {
	total := 0

	for {
		n, err := src.SendTo(sink)
		require.NoError(t, err)
		total += n

		if n == 0 {
			return total
		}
	}
}

func TestBufferSource(t *testing.T) {
	sink := new(BufferSink)
	src := NewBuffer([]byte("hello world"))

	n := drain(t, src, sink)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(sink.Data))
}

func TestBufferSourcePartialWrites(t *testing.T) {
	sink := &BufferSink{Limit: 3}
	src := NewBuffer([]byte("hello world"))

	drain(t, src, sink)
	require.Equal(t, "hello world", string(sink.Data))
}

func TestFileSource(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "body")
	require.NoError(t, err)
	defer f.Close()

	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}

	_, err = f.Write(content)
	require.NoError(t, err)

	t.Run("full", func(t *testing.T) {
		sink := new(BufferSink)
		drain(t, NewFile(int(f.Fd()), 0, 100, true), sink)
		require.Equal(t, content, sink.Data)
	})

	t.Run("window", func(t *testing.T) {
		sink := new(BufferSink)
		drain(t, NewFile(int(f.Fd()), 90, 10, true), sink)
		require.Equal(t, content[90:], sink.Data)
	})
}

func TestCallbackSource(t *testing.T) {
	invoked := 0
	src := NewCallback(func() { invoked++ })

	sink := new(BufferSink)
	n, err := src.SendTo(sink)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, invoked)

	// exhausted sources are idempotent
	_, _ = src.SendTo(sink)
	src.Reset()
	require.Equal(t, 1, invoked)
}

func TestCompositeSource(t *testing.T) {
	order := make([]string, 0, 3)
	composite := NewComposite(
		NewBuffer([]byte("first,")),
		NewCallback(func() { order = append(order, "callback") }),
		NewBuffer([]byte("second")),
	)

	sink := new(BufferSink)
	drain(t, composite, sink)

	require.Equal(t, "first,second", string(sink.Data))
	require.Equal(t, []string{"callback"}, order)
	require.True(t, composite.Empty())
}

func TestCompositeAppendWhileDraining(t *testing.T) {
	composite := NewComposite()
	composite.Append(NewBuffer([]byte("a")))
	composite.Append(NewCallback(func() {
		composite.Append(NewBuffer([]byte("b")))
	}))

	sink := new(BufferSink)
	drain(t, composite, sink)
	require.Equal(t, "ab", string(sink.Data))
}

func TestChunkedEncoderFraming(t *testing.T) {
	enc := NewChunkedEncoder()
	require.Equal(t, "5\r\nHello\r\n", string(enc.Process([]byte("Hello"))))
	require.Empty(t, enc.Process(nil))
	require.Equal(t, "0\r\n\r\n", string(enc.Finish()))
}

func TestFilteredSourceEmitsTerminalFrame(t *testing.T) {
	src := NewFiltered(
		NewBuffer([]byte("Hi")),
		Chain{NewChunkedEncoder()},
		true,
	)

	sink := new(BufferSink)
	drain(t, src, sink)
	require.Equal(t, "2\r\nHi\r\n0\r\n\r\n", string(sink.Data))
}

func TestFilteredSourceEOSOnly(t *testing.T) {
	src := NewFiltered(nil, Chain{NewChunkedEncoder()}, true)

	sink := new(BufferSink)
	drain(t, src, sink)
	require.Equal(t, "0\r\n\r\n", string(sink.Data))
}

// The chunked encoder must produce streams the request-side dechunker takes
// back to the original bytes.
func TestChunkedRoundTrip(t *testing.T) {
	pieces := [][]byte{
		[]byte("Hello"),
		[]byte(", "),
		[]byte("chunked world"),
		make([]byte, 4096),
	}

	enc := NewChunkedEncoder()
	var wire, want []byte
	for _, piece := range pieces {
		want = append(want, piece...)
		wire = append(wire, enc.Process(piece)...)
	}
	wire = append(wire, enc.Finish()...)

	parser := chunkedbody.NewParser(chunkedbody.DefaultSettings())

	var got []byte
	data := wire
	for len(data) > 0 {
		chunk, extra, err := parser.Parse(data, false)
		if err == io.EOF {
			got = append(got, chunk...)
			break
		}

		require.NoError(t, err)
		require.Less(t, len(extra), len(data))

		got = append(got, chunk...)
		data = extra
	}

	require.Equal(t, want, got)
}
