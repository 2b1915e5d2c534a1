package keyboard

import (
	"os"
	"testing"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
	}{
		{"press", Event{Sec: 1700000000, Usec: 123456, Type: uint16(evdev.EV_KEY), Code: uint16(evdev.KEY_A), Value: 1}},
		{"release", Event{Sec: 1700000001, Usec: 1, Type: uint16(evdev.EV_KEY), Code: uint16(evdev.KEY_LEFTSHIFT), Value: 0}},
		{"syn", Event{Type: uint16(evdev.EV_SYN), Code: uint16(evdev.SYN_REPORT)}},
		{"negative value", Event{Type: uint16(evdev.EV_MSC), Code: 4, Value: -7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [EventSize]byte
			tt.ev.Put(buf[:])
			assert.Equal(t, tt.ev, DecodeEvent(buf[:]))
		})
	}
}

func TestNowStampsEvent(t *testing.T) {
	before := time.Now().Unix()
	ev := Now(uint16(evdev.EV_KEY), uint16(evdev.KEY_B), 1)
	after := time.Now().Unix()

	assert.GreaterOrEqual(t, ev.Sec, before)
	assert.LessOrEqual(t, ev.Sec, after)
	assert.Less(t, ev.Usec, int64(1000000))
	assert.Equal(t, uint16(evdev.EV_KEY), ev.Type)
	assert.Equal(t, int32(1), ev.Value)
}

// pipeDevice wires a Device to the read end of a pipe so read and error
// behavior can be exercised without an evdev node.
func pipeDevice(t *testing.T) (*Device, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })

	d := &Device{file: r, fd: int(r.Fd()), path: "pipe", name: "Test kbd", phys: "test/phys0", state: Open}
	return d, w
}

func TestDeviceReadOne(t *testing.T) {
	d, w := pipeDevice(t)

	want := Event{Sec: 42, Usec: 7, Type: uint16(evdev.EV_KEY), Code: 30, Value: 1}
	var buf [EventSize]byte
	want.Put(buf[:])
	_, err := w.Write(buf[:])
	require.NoError(t, err)

	got, err := d.ReadOne()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, Open, d.State())
}

func TestDeviceReadErrorDisables(t *testing.T) {
	d, w := pipeDevice(t)
	require.NoError(t, w.Close())

	_, err := d.ReadOne()
	require.ErrorIs(t, err, ErrDeviceGone)
	assert.Equal(t, Disabled, d.State())
	assert.Equal(t, -1, d.Fd())

	// Every operation on a disabled handle keeps reporting the device gone.
	_, err = d.ReadOne()
	assert.ErrorIs(t, err, ErrDeviceGone)
	assert.ErrorIs(t, d.Lock(), ErrDeviceGone)
	assert.ErrorIs(t, d.Unlock(), ErrDeviceGone)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "disabled", Disabled.String())
}

func TestMultiplexerTimeout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var m Multiplexer
	start := time.Now()
	_, ok, err := m.Wait([]int{int(r.Fd())}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestMultiplexerReady(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	var m Multiplexer
	idx, ok, err := m.Wait([]int{-1, int(r.Fd())}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestMultiplexerRoundRobin(t *testing.T) {
	// Two descriptors permanently ready: successive waits must alternate
	// rather than always serving the lower index.
	r1, w1, err := os.Pipe()
	require.NoError(t, err)
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer r2.Close()
	defer w2.Close()

	_, err = w1.Write([]byte{1})
	require.NoError(t, err)
	_, err = w2.Write([]byte{1})
	require.NoError(t, err)

	fds := []int{int(r1.Fd()), int(r2.Fd())}
	var m Multiplexer
	seen := make(map[int]int)
	for i := 0; i < 10; i++ {
		idx, ok, err := m.Wait(fds, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		seen[idx]++
	}
	assert.Equal(t, 5, seen[0])
	assert.Equal(t, 5, seen[1])
}

func TestMultiplexerNothingArmed(t *testing.T) {
	var m Multiplexer
	start := time.Now()
	_, ok, err := m.Wait([]int{-1, -1}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
