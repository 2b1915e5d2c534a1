package keyboard

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Multiplexer waits for readability on a set of descriptors. It remembers
// where the previous scan left off so one chatty keyboard cannot starve the
// others under steady load.
type Multiplexer struct {
	next int
}

// Wait blocks up to timeout for any of fds to become readable and returns the
// index of one ready descriptor. ok is false on timeout. Entries with a
// negative fd are skipped.
func (m *Multiplexer) Wait(fds []int, timeout time.Duration) (idx int, ok bool, err error) {
	var set unix.FdSet
	nfds := 0
	armed := false
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		set.Set(fd)
		armed = true
		if fd >= nfds {
			nfds = fd + 1
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if !armed {
		// Nothing to wait on; still honor the timeout so the caller's loop
		// keeps its cadence.
		unix.Select(0, nil, nil, nil, &tv)
		return 0, false, nil
	}

	n, err := unix.Select(nfds, &set, nil, nil, &tv)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}

	// Round-robin scan starting after the last index served.
	for off := 1; off <= len(fds); off++ {
		i := (m.next + off) % len(fds)
		if fds[i] >= 0 && set.IsSet(fds[i]) {
			m.next = i
			return i, true, nil
		}
	}
	return 0, false, nil
}
