// Package keyboard provides exclusive access to evdev keyboard devices:
// opening, grabbing, reading and identity-matching /dev/input/event* nodes,
// plus a select(2) based multiplexer over several of them.
package keyboard

import (
	"encoding/binary"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

// EventSize is the wire size of one input_event record (two 64-bit timeval
// fields, type, code, value).
const EventSize = 24

// Event mirrors the Linux input_event layout. Sec/Usec carry the kernel
// timestamp; Value is 0 for release, 1 for press, 2 for autorepeat.
type Event struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// Now returns an Event of the given type/code/value stamped with the current
// time, the way the kernel would stamp it.
func Now(evType, code uint16, value int32) Event {
	t := time.Now()
	return Event{
		Sec:   t.Unix(),
		Usec:  int64(t.Nanosecond() / 1000),
		Type:  evType,
		Code:  code,
		Value: value,
	}
}

// Put encodes the event into buf, which must hold at least EventSize bytes.
// Byte order is the host's: both ends of every exchange live on this machine.
func (e Event) Put(buf []byte) {
	binary.NativeEndian.PutUint64(buf[0:8], uint64(e.Sec))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(e.Usec))
	binary.NativeEndian.PutUint16(buf[16:18], e.Type)
	binary.NativeEndian.PutUint16(buf[18:20], e.Code)
	binary.NativeEndian.PutUint32(buf[20:24], uint32(e.Value))
}

// DecodeEvent decodes one input_event record from buf.
func DecodeEvent(buf []byte) Event {
	return Event{
		Sec:   int64(binary.NativeEndian.Uint64(buf[0:8])),
		Usec:  int64(binary.NativeEndian.Uint64(buf[8:16])),
		Type:  binary.NativeEndian.Uint16(buf[16:18]),
		Code:  binary.NativeEndian.Uint16(buf[18:20]),
		Value: int32(binary.NativeEndian.Uint32(buf[20:24])),
	}
}

// String renders the event with symbolic type/code names for logs.
func (e Event) String() string {
	t := evdev.EvType(e.Type)
	c := evdev.EvCode(e.Code)
	return evdev.TypeName(t) + "/" + evdev.CodeName(t, c)
}
