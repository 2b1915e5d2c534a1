// Package emitter owns the synthetic uinput keyboard: a buffered, paced
// writer of input_event records with a held-keys tracker used to manufacture
// releases during error recovery.
package emitter

import (
	"encoding/binary"
	"fmt"
	"os"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// DeviceName is the identity the synthetic keyboard advertises. Device
// discovery and hotplug matching skip nodes reporting this name so the daemon
// never grabs its own output.
const DeviceName = "Hawck synthetic keyboard"

// uinput ioctl requests, from linux/uinput.h.
const (
	uiSetEvBit   = 0x40045564 // _IOW('U', 100, int)
	uiSetKeyBit  = 0x40045565 // _IOW('U', 101, int)
	uiDevCreate  = 0x5501     // _IO('U', 1)
	uiDevDestroy = 0x5502     // _IO('U', 2)

	uinputMaxNameSize = 80
	busVirtual        = 0x06
)

// uinputDevice is the raw /dev/uinput handle behind an Emitter.
type uinputDevice struct {
	file *os.File
}

// openUinput creates the synthetic keyboard. The device advertises the full
// KEY_* range plus EV_SYN, EV_MSC and EV_REP so any event the macro daemon
// can produce is representable.
func openUinput(path string) (*uinputDevice, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	fd := int(f.Fd())
	evBits := []uint16{
		uint16(evdev.EV_SYN),
		uint16(evdev.EV_KEY),
		uint16(evdev.EV_MSC),
		uint16(evdev.EV_REP),
	}
	for _, bit := range evBits {
		if err := uioctl(fd, uiSetEvBit, uintptr(bit)); err != nil {
			f.Close()
			return nil, fmt.Errorf("enable event type %d: %w", bit, err)
		}
	}
	for code := uintptr(0); code <= uintptr(evdev.KEY_MAX); code++ {
		if err := uioctl(fd, uiSetKeyBit, code); err != nil {
			f.Close()
			return nil, fmt.Errorf("enable key code %d: %w", code, err)
		}
	}

	if _, err := f.Write(userDevRecord(DeviceName)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write device setup: %w", err)
	}
	if err := uioctl(fd, uiDevCreate, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("create device: %w", err)
	}

	return &uinputDevice{file: f}, nil
}

func (u *uinputDevice) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

// Close destroys the synthetic device. The kernel releases any keys still
// logically held by it.
func (u *uinputDevice) Close() error {
	uioctl(int(u.file.Fd()), uiDevDestroy, 0)
	return u.file.Close()
}

// userDevRecord serializes a uinput_user_dev struct: name[80], input_id,
// ff_effects_max, and the four 64-entry abs arrays (all zero here).
func userDevRecord(name string) []byte {
	const absArrays = 4 * 64 * 4
	buf := make([]byte, uinputMaxNameSize+8+4+absArrays)
	copy(buf[:uinputMaxNameSize-1], name)
	binary.NativeEndian.PutUint16(buf[80:82], busVirtual)
	binary.NativeEndian.PutUint16(buf[82:84], 0x4841) // vendor
	binary.NativeEndian.PutUint16(buf[84:86], 0x574b) // product
	binary.NativeEndian.PutUint16(buf[86:88], 1)      // version
	return buf
}

func uioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
