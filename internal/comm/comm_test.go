package comm

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hawck-inputd/internal/keyboard"
)

// fakePeer is a single-connection unix-socket server standing in for the
// macro daemon.
type fakePeer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakePeer(t *testing.T) (*fakePeer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbd.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	p := &fakePeer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p, path
}

func (p *fakePeer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from channel")
		return nil
	}
}

func TestMessageLayout(t *testing.T) {
	m := Message{
		Done:  true,
		Event: keyboard.Event{Sec: 1, Usec: 2, Type: 3, Code: 4, Value: 5},
	}
	var buf [MessageSize]byte
	m.Put(buf[:])

	assert.Equal(t, 32, MessageSize)
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, [7]byte{}, [7]byte(buf[1:8]))
	assert.Equal(t, m, Decode(buf[:]))
}

func TestSendRecvRoundTrip(t *testing.T) {
	peer, path := newFakePeer(t)

	ch, err := Dial(path)
	require.NoError(t, err)
	defer ch.Close()
	conn := peer.accept(t)

	out := Message{Event: keyboard.Event{Type: 1, Code: 30, Value: 1}}
	require.NoError(t, ch.Send(out))

	var buf [MessageSize]byte
	_, err = conn.Read(buf[:])
	require.NoError(t, err)
	assert.Equal(t, out, Decode(buf[:]))

	reply := Message{Done: true}
	reply.Put(buf[:])
	_, err = conn.Write(buf[:])
	require.NoError(t, err)

	var in Message
	require.NoError(t, ch.Recv(&in, time.Second))
	assert.True(t, in.Done)
}

func TestRecvTimeout(t *testing.T) {
	peer, path := newFakePeer(t)

	ch, err := Dial(path)
	require.NoError(t, err)
	defer ch.Close()
	peer.accept(t)

	var m Message
	err = ch.Recv(&m, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRecvPeerGone(t *testing.T) {
	peer, path := newFakePeer(t)

	ch, err := Dial(path)
	require.NoError(t, err)
	defer ch.Close()
	conn := peer.accept(t)
	require.NoError(t, conn.Close())

	var m Message
	err = ch.Recv(&m, time.Second)
	assert.ErrorIs(t, err, ErrPeerGone)
}

func TestReconnect(t *testing.T) {
	peer, path := newFakePeer(t)

	ch, err := Dial(path)
	require.NoError(t, err)
	defer ch.Close()
	conn := peer.accept(t)
	conn.Close()

	require.NoError(t, ch.Reconnect())
	peer.accept(t)

	require.NoError(t, ch.Send(Message{}))
}

func TestReconnectExhaustsAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nobody-home.sock")
	ch := &Channel{
		path:           path,
		maxAttempts:    3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}
	err := ch.Reconnect()
	assert.ErrorIs(t, err, ErrPeerGone)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, err)
}
