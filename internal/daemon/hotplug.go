package daemon

import (
	"os/user"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"hawck-inputd/internal/fswatch"
	"hawck-inputd/internal/keyboard"
)

// Freshly created /dev/input nodes tend to appear owned root:root with
// restrictive permissions until the udev rules run; the daemon polls until
// the node settles or the wait budget runs out.
const (
	settleIncrement = 100 * time.Microsecond
	settleBudget    = 5 * time.Second
)

// resolveHotplugGroup looks up the group new device nodes must join before
// the daemon will touch them. If the group does not exist the check is
// skipped rather than blocking hotplug entirely.
func (d *Daemon) resolveHotplugGroup() {
	grp, err := user.LookupGroup(d.cfg.Input.HotplugGroup)
	if err != nil {
		d.log.Warn("cannot resolve hotplug group, skipping group check",
			"group", d.cfg.Input.HotplugGroup, "err", err)
		d.checkGID = false
		return
	}
	gid, err := strconv.ParseUint(grp.Gid, 10, 32)
	if err != nil {
		d.checkGID = false
		return
	}
	d.hotplugGID = uint32(gid)
	d.checkGID = true
}

// handleHotplug runs on the /dev/input watcher's thread. A new node is
// waited on until udev settles it, then offered to every pending handle.
func (d *Daemon) handleHotplug(ev fswatch.Event) {
	if ev.Op&fswatch.Create == 0 || ev.Path == d.cfg.Input.HotplugDir {
		return
	}

	d.log.Info("input device hotplug event", "path", ev.Path)
	if !d.waitSettled(ev.Path) {
		return
	}
	if d.isSynthetic(ev.Path) {
		return
	}
	d.adopt(ev.Path)
}

// waitSettled polls until the node is a character device with read+write
// group permissions in the hotplug group. On timeout the event is dropped;
// the next filesystem notification retries.
func (d *Daemon) waitSettled(path string) bool {
	waited := time.Duration(0)
	for {
		time.Sleep(settleIncrement)
		waited += settleIncrement

		var st unix.Stat_t
		if err := unix.Stat(path, &st); err == nil &&
			st.Mode&unix.S_IFMT == unix.S_IFCHR &&
			nodeReady(&st, d.hotplugGID, d.checkGID) {
			return true
		}

		if waited > settleBudget {
			d.log.Error("hotplug node never acquired expected permissions", "path", path)
			return false
		}
	}
}

// nodeReady reports whether the node's group may read and write it and, when
// gid checking is on, whether it belongs to the hotplug group.
func nodeReady(st *unix.Stat_t, gid uint32, checkGID bool) bool {
	const groupRW = unix.S_IRGRP | unix.S_IWGRP
	if st.Mode&groupRW != groupRW {
		return false
	}
	return !checkGID || st.Gid == gid
}

// isSynthetic reports whether the node is the daemon's own output device.
func (d *Daemon) isSynthetic(path string) bool {
	if d.syntheticName == "" {
		return false
	}
	probe, err := keyboard.OpenDevice(path)
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Disable()
	return name == d.syntheticName
}

// adopt offers the node to the pending-replug list. The first handle whose
// identity matches is reset onto the node, re-locked and returned to the
// active set. Identity mismatch or a failed grab leaves the handle pending
// for the next event.
func (d *Daemon) adopt(path string) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	for i, idx := range d.pending {
		dev := d.kbds[idx]
		if !dev.Matches(path) {
			continue
		}
		if err := dev.Reset(path); err != nil {
			d.log.Error("cannot reset keyboard onto new node",
				"name", dev.Name(), "path", path, "err", err)
			return
		}
		if err := dev.Lock(); err != nil {
			d.log.Error("cannot re-grab replugged keyboard", "name", dev.Name(), "err", err)
			return
		}

		d.log.Info("keyboard was plugged back in", "name", dev.Name(), "path", path)
		d.pending = append(d.pending[:i], d.pending[i+1:]...)
		d.active = append(d.active, idx)
		return
	}
}
