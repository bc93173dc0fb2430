package connections

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestFindOpeningEmptyAndFull(t *testing.T) {
	m := NewManager(2)
	assert.EqualValues(t, 0, m.FindOpening())
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	m.claim(0, a)
	assert.EqualValues(t, 1, m.FindOpening())
	m.claim(1, b)
	assert.EqualValues(t, NoOpening, m.FindOpening())
	assert.Equal(t, SlotClaimed, m.State(1))
	m.release(0)
	assert.EqualValues(t, 0, m.FindOpening())
	assert.Equal(t, 1, m.InUse())
}

func TestServeStopsAcceptingWhenFull(t *testing.T) {
	const maxPeers = 2
	m := NewManager(maxPeers)
	l := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan int, 3)
	finish := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- m.Serve(ctx, l, func(ctx context.Context, slot int, conn net.Conn) error {
			started <- slot
			<-finish
			_, err := io.WriteString(conn, "bye")
			return err
		})
	}()
	var conns []net.Conn
	for range 3 {
		c, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		conns = append(conns, c)
	}
	slots := map[int]bool{<-started: true, <-started: true}
	assert.Len(t, slots, maxPeers)
	select {
	case <-started:
		t.Fatal("third connection served while table full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, maxPeers, m.InUse())
	for i := range maxPeers {
		assert.Equal(t, SlotServing, m.State(i))
	}
	// Releasing the first two lets the third in.
	close(finish)
	<-started
	for _, c := range conns {
		b, err := io.ReadAll(c)
		require.NoError(t, err)
		assert.Equal(t, "bye", string(b))
	}
	require.Eventually(t, func() bool { return m.InUse() == 0 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-serveErr, context.Canceled)
}

func TestHandlerErrorReleasesSlot(t *testing.T) {
	m := NewManager(1)
	l := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx, l, func(context.Context, int, net.Conn) error {
		return errors.New("boom")
	})
	for range 3 {
		c, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		// The worker closes the connection after the handler fails.
		_, err = io.ReadAll(c)
		assert.NoError(t, err)
		c.Close()
	}
	require.Eventually(t, func() bool { return m.FindOpening() == 0 }, time.Second, time.Millisecond)
}

func TestServeListenerClosed(t *testing.T) {
	m := NewManager(1)
	l := listen(t)
	l.Close()
	err := m.Serve(context.Background(), l, func(context.Context, int, net.Conn) error { return nil })
	assert.ErrorIs(t, err, net.ErrClosed)
}

type flakyListener struct {
	net.Listener
	failures int
}

func (me *flakyListener) Accept() (net.Conn, error) {
	if me.failures > 0 {
		me.failures--
		return nil, errors.New("too many open files")
	}
	return me.Listener.Accept()
}

func TestServeRetriesAcceptErrors(t *testing.T) {
	m := NewManager(1)
	l := &flakyListener{Listener: listen(t), failures: 3}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- m.Serve(ctx, l, func(context.Context, int, net.Conn) error {
			close(served)
			return nil
		})
	}()
	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	select {
	case <-served:
	case err := <-serveErr:
		t.Fatalf("serve returned: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection not served")
	}
	cancel()
	assert.ErrorIs(t, <-serveErr, context.Canceled)
}
