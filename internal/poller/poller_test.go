package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func TestPollerReadReadiness(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	local, peer := socketpair(t)
	require.NoError(t, p.Add(local, Read))

	events := make([]Event, 16)

	// nothing pending yet
	n, err := p.Wait(events, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = unix.Write(peer, []byte("ping"))
	require.NoError(t, err)

	n, err = p.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, local, events[0].Fd)
	require.True(t, events[0].Readable)
}

func TestPollerWriteInterest(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	local, _ := socketpair(t)
	require.NoError(t, p.Add(local, Read))
	require.NoError(t, p.Modify(local, Read|Write))

	events := make([]Event, 16)
	n, err := p.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, events[0].Writable)

	// dropping write interest silences the socket again
	require.NoError(t, p.Modify(local, Read))
	n, err = p.Wait(events, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPollerHangup(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	local, peer := socketpair(t)
	require.NoError(t, p.Add(local, Read))
	require.NoError(t, unix.Close(peer))

	events := make([]Event, 16)
	n, err := p.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, events[0].Hangup || events[0].Readable)
}

func TestPollerWakeup(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Wakeup()
	}()

	events := make([]Event, 16)
	start := time.Now()
	n, err := p.Wait(events, 5000)
	require.NoError(t, err)
	require.Zero(t, n) // wakeups carry no events
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestPollerRemove(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	local, peer := socketpair(t)
	require.NoError(t, p.Add(local, Read))
	require.NoError(t, p.Remove(local))

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)

	events := make([]Event, 16)
	n, err := p.Wait(events, 50)
	require.NoError(t, err)
	require.Zero(t, n)
}
