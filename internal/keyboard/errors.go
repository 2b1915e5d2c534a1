package keyboard

import "errors"

var (
	// ErrDeviceGone means the device node disappeared or its descriptor
	// reports ENODEV/EOF. The handle is disabled and must be Reset before
	// further use.
	ErrDeviceGone = errors.New("keyboard device gone")

	// ErrDeviceBusy means another process holds the exclusive grab.
	ErrDeviceBusy = errors.New("keyboard device busy")

	// ErrIdentityMismatch means a node offered to Reset does not report the
	// name/phys pair this handle was opened with.
	ErrIdentityMismatch = errors.New("keyboard identity mismatch")
)
