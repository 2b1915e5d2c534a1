package keyboard

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// evdev ioctl numbers, composed the same way linux/input.h does. x/sys/unix
// does not export the EVIOC* family, so the _IOC arithmetic is spelled out.
const (
	iocNone  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func eviocgname(size uintptr) uintptr { return ioc(iocRead, 'E', 0x06, size) }
func eviocgphys(size uintptr) uintptr { return ioc(iocRead, 'E', 0x07, size) }
func eviocgrab() uintptr              { return ioc(iocWrite, 'E', 0x90, 4) }

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlString reads a NUL-terminated string attribute (name, phys) from the
// device. Devices without a physical location report ENOENT; that maps to "".
func ioctlString(fd int, req func(uintptr) uintptr) (string, error) {
	buf := make([]byte, 256)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req(uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	if errno == unix.ENOENT {
		return "", nil
	}
	if errno != 0 {
		return "", errno
	}
	s := string(buf)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s, nil
}
