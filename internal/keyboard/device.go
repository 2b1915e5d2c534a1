package keyboard

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// State tracks the grab lifecycle of a device handle.
type State int

const (
	// Open means the descriptor is live but events still reach other
	// consumers.
	Open State = iota
	// Locked means the exclusive grab is held; nothing else sees events.
	Locked
	// Disabled means the descriptor is closed; the handle is retained only
	// so a replugged node can be matched back to it.
	Disabled
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Locked:
		return "locked"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Device is one evdev keyboard node. Identity (name + phys) is queried once
// at Open and survives the descriptor, so a handle can recognize its device
// when it reappears under a different /dev/input path.
type Device struct {
	file  *os.File
	fd    int
	path  string
	name  string
	phys  string
	state State
}

// OpenDevice opens the evdev node for reading and queries its identity.
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d := &Device{file: f, fd: int(f.Fd()), path: path, state: Open}
	if d.name, err = ioctlString(d.fd, eviocgname); err != nil {
		f.Close()
		return nil, fmt.Errorf("query name of %s: %w", path, err)
	}
	if d.phys, err = ioctlString(d.fd, eviocgphys); err != nil {
		f.Close()
		return nil, fmt.Errorf("query phys of %s: %w", path, err)
	}
	return d, nil
}

// Name returns the device's self-reported name.
func (d *Device) Name() string { return d.name }

// Phys returns the device's physical-location tag ("" if it has none).
func (d *Device) Phys() string { return d.phys }

// Path returns the /dev/input node the handle currently points at.
func (d *Device) Path() string { return d.path }

// State returns the handle's lifecycle state.
func (d *Device) State() State { return d.state }

// Fd returns the raw descriptor for multiplexing. Only meaningful while the
// handle is not Disabled.
func (d *Device) Fd() int { return d.fd }

// Lock acquires the exclusive grab. A second Lock while already Locked is a
// no-op.
func (d *Device) Lock() error {
	switch d.state {
	case Locked:
		return nil
	case Disabled:
		return ErrDeviceGone
	}
	if err := ioctl(d.fd, eviocgrab(), 1); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("grab %s: %w", d.path, ErrDeviceBusy)
		}
		if errors.Is(err, unix.ENODEV) {
			d.Disable()
			return fmt.Errorf("grab %s: %w", d.path, ErrDeviceGone)
		}
		return fmt.Errorf("grab %s: %w", d.path, err)
	}
	d.state = Locked
	return nil
}

// Unlock releases the exclusive grab, returning events to other consumers.
func (d *Device) Unlock() error {
	switch d.state {
	case Open:
		return nil
	case Disabled:
		return ErrDeviceGone
	}
	if err := ioctl(d.fd, eviocgrab(), 0); err != nil {
		if errors.Is(err, unix.ENODEV) {
			d.Disable()
			return fmt.Errorf("ungrab %s: %w", d.path, ErrDeviceGone)
		}
		return fmt.Errorf("ungrab %s: %w", d.path, err)
	}
	d.state = Open
	return nil
}

// ReadOne blocks for one input_event. Any read failure other than EINTR
// disables the handle and surfaces ErrDeviceGone; the caller is expected to
// park the handle on its pending-replug list.
func (d *Device) ReadOne() (Event, error) {
	if d.state == Disabled {
		return Event{}, ErrDeviceGone
	}
	var buf [EventSize]byte
	for {
		_, err := io.ReadFull(d.file, buf[:])
		if err == nil {
			return DecodeEvent(buf[:]), nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		d.Disable()
		return Event{}, fmt.Errorf("read %s: %w", d.path, ErrDeviceGone)
	}
}

// Disable closes the descriptor but keeps the handle so hotplug can match the
// device by identity when it returns.
func (d *Device) Disable() {
	if d.state == Disabled {
		return
	}
	d.file.Close()
	d.fd = -1
	d.state = Disabled
}

// Matches reports whether the node at path identifies as this handle's
// device. The probe descriptor is closed before returning.
func (d *Device) Matches(path string) bool {
	probe, err := OpenDevice(path)
	if err != nil {
		return false
	}
	defer probe.file.Close()
	return probe.name == d.name && probe.phys == d.phys
}

// Reset points the handle at a new node for the same physical device. The
// old descriptor (if any) is closed first. A node reporting a different
// name/phys pair is rejected with ErrIdentityMismatch and the handle stays
// Disabled.
func (d *Device) Reset(path string) error {
	d.Disable()

	fresh, err := OpenDevice(path)
	if err != nil {
		return err
	}
	if fresh.name != d.name || fresh.phys != d.phys {
		fresh.file.Close()
		return fmt.Errorf("%s reports %q @ %q, want %q @ %q: %w",
			path, fresh.name, fresh.phys, d.name, d.phys, ErrIdentityMismatch)
	}

	d.file = fresh.file
	d.fd = fresh.fd
	d.path = path
	d.state = Open
	return nil
}
