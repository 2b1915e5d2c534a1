// Package daemon wires the input side of Hawck together: it grabs
// keyboards, multiplexes their events, gates each key code against the
// passthrough registry, round-trips allowed events through the macro daemon
// and re-emits the results on the synthetic device.
//
// The safety contract all of this serves: whatever combination of peer
// failures occurs, the user ends up able to type on a functioning keyboard
// with no synthetic key left held.
package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"hawck-inputd/internal/comm"
	"hawck-inputd/internal/config"
	"hawck-inputd/internal/fswatch"
	"hawck-inputd/internal/keyboard"
	"hawck-inputd/internal/logging"
	"hawck-inputd/internal/passthrough"
)

// multiplexTimeout is the cadence of the main loop's readiness wait; it
// bounds how stale the active-set snapshot can get.
const multiplexTimeout = 64 * time.Millisecond

// Device is the keyboard-handle surface the loop needs. *keyboard.Device
// implements it; tests substitute fakes.
type Device interface {
	Name() string
	Phys() string
	Path() string
	State() keyboard.State
	Fd() int
	Lock() error
	Unlock() error
	Disable()
	ReadOne() (keyboard.Event, error)
	Matches(path string) bool
	Reset(path string) error
}

// Emitter is the synthetic-device surface the loop needs.
type Emitter interface {
	Emit(keyboard.Event) error
	Flush() error
	ReleaseAll()
}

// Peer is the macro-daemon channel surface the loop needs.
type Peer interface {
	Send(comm.Message) error
	Recv(*comm.Message, time.Duration) error
	Reconnect() error
}

// Daemon owns the event loop and the keyboard arena. Keyboard handles live
// in the arena for the process lifetime; the active and pending lists hold
// arena indices, never the handles themselves.
//
// Lock order: activeMu, then pendingMu, then the registry's own mutex.
// Nothing holds two of them across blocking I/O.
type Daemon struct {
	cfg  *config.Config
	log  *logging.Logger
	reg  *passthrough.Registry
	em   Emitter
	peer Peer

	kbds []Device

	activeMu sync.Mutex
	active   []int

	pendingMu sync.Mutex
	pending   []int

	mux keyboard.Multiplexer

	keysWatch  *fswatch.Watcher
	inputWatch *fswatch.Watcher

	hotplugGID    uint32
	checkGID      bool
	syntheticName string

	stop chan struct{}
}

// New assembles a daemon. Devices are added with AddDevice before Run.
func New(cfg *config.Config, reg *passthrough.Registry, em Emitter, peer Peer, log *logging.Logger) *Daemon {
	if log == nil {
		log = logging.Default()
	}
	return &Daemon{
		cfg:  cfg,
		log:  log,
		reg:  reg,
		em:   em,
		peer: peer,
		stop: make(chan struct{}),
	}
}

// AddDevice places a keyboard handle in the arena. The handle is grabbed
// when Run starts.
func (d *Daemon) AddDevice(dev Device) {
	d.kbds = append(d.kbds, dev)
}

// SetSyntheticName tells the hotplug tracker which device name identifies
// the daemon's own output device, so it is never considered for re-grabbing.
func (d *Daemon) SetSyntheticName(name string) {
	d.syntheticName = name
}

// Stop makes Run return after its current iteration.
func (d *Daemon) Stop() {
	close(d.stop)
}

// Run grabs every configured keyboard, starts both watchers and enters the
// event loop. It blocks until Stop or a fatal error. Errors that reach the
// return value are the ones recovery cannot absorb: a dead uinput device or
// an unreachable macro daemon.
func (d *Daemon) Run() error {
	d.grabAll()

	if err := d.startWatchers(); err != nil {
		return err
	}
	defer d.stopWatchers()

	for {
		select {
		case <-d.stop:
			return nil
		default:
		}

		idxs, fds := d.snapshotActive()
		ready, ok, err := d.mux.Wait(fds, multiplexTimeout)
		if err != nil {
			return fmt.Errorf("multiplex: %w", err)
		}
		if !ok {
			continue
		}

		idx := idxs[ready]
		dev := d.kbds[idx]
		ev, err := dev.ReadOne()
		if err != nil {
			d.log.Error("read error on keyboard, assumed removed", "name", dev.Name())
			d.detach(idx)
			continue
		}

		// The first event read before the grab took effect is not
		// trustworthy; throw it away and lock.
		if dev.State() != keyboard.Locked {
			if err := dev.Lock(); err != nil {
				d.log.Error("cannot lock keyboard", "name", dev.Name(), "err", err)
				if errors.Is(err, keyboard.ErrDeviceGone) {
					d.detach(idx)
				}
			}
			continue
		}

		if err := d.handleKey(ev); err != nil {
			return err
		}
	}
}

// grabAll locks every arena device and builds the initial active set.
func (d *Daemon) grabAll() {
	for idx, dev := range d.kbds {
		d.log.Info("attempting to get lock on device", "name", dev.Name(), "phys", dev.Phys())
		if err := dev.Lock(); err != nil {
			switch {
			case errors.Is(err, keyboard.ErrDeviceBusy):
				d.log.Warn("keyboard is grabbed elsewhere, skipping", "name", dev.Name())
			case errors.Is(err, keyboard.ErrDeviceGone):
				d.log.Warn("keyboard vanished before first grab", "name", dev.Name())
				d.pendingMu.Lock()
				d.pending = append(d.pending, idx)
				d.pendingMu.Unlock()
			default:
				d.log.Error("cannot grab keyboard", "name", dev.Name(), "err", err)
			}
			continue
		}
		d.activeMu.Lock()
		d.active = append(d.active, idx)
		d.activeMu.Unlock()
	}
}

func (d *Daemon) startWatchers() error {
	var err error
	if d.keysWatch, err = fswatch.New(); err != nil {
		return err
	}
	events, err := d.keysWatch.AddFrom(d.cfg.Input.KeysDir)
	if err != nil {
		return fmt.Errorf("passthrough dir: %w", err)
	}
	for _, ev := range events {
		d.reg.HandleEvent(ev)
	}
	d.keysWatch.Begin(d.reg.HandleEvent)

	if d.inputWatch, err = fswatch.New(); err != nil {
		return err
	}
	if err := d.inputWatch.Add(d.cfg.Input.HotplugDir); err != nil {
		return fmt.Errorf("hotplug dir: %w", err)
	}
	d.resolveHotplugGroup()
	d.inputWatch.Begin(d.handleHotplug)
	return nil
}

func (d *Daemon) stopWatchers() {
	if d.keysWatch != nil {
		d.keysWatch.Stop()
	}
	if d.inputWatch != nil {
		d.inputWatch.Stop()
	}
}

// snapshotActive copies the active set so the loop never multiplexes under
// the mutex.
func (d *Daemon) snapshotActive() (idxs []int, fds []int) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	idxs = append(idxs, d.active...)
	fds = make([]int, len(idxs))
	for i, idx := range idxs {
		fds[i] = d.kbds[idx].Fd()
	}
	return idxs, fds
}

// detach disables an arena device and moves it from the active set to the
// pending-replug list.
func (d *Daemon) detach(idx int) {
	d.kbds[idx].Disable()

	d.activeMu.Lock()
	for i, a := range d.active {
		if a == idx {
			d.active = append(d.active[:i], d.active[i+1:]...)
			break
		}
	}
	d.activeMu.Unlock()

	d.pendingMu.Lock()
	for _, p := range d.pending {
		if p == idx {
			d.pendingMu.Unlock()
			return
		}
	}
	d.pending = append(d.pending, idx)
	d.pendingMu.Unlock()
}

// handleKey routes one trusted event: passthrough codes round-trip through
// the macro daemon, everything else goes straight to the synthetic device.
func (d *Daemon) handleKey(ev keyboard.Event) error {
	if !d.reg.Contains(ev.Code) {
		if err := d.em.Emit(ev); err != nil {
			return fmt.Errorf("emit: %w", err)
		}
		if err := d.em.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		return nil
	}

	err := d.roundTrip(ev)
	if err == nil {
		return nil
	}
	if errors.Is(err, comm.ErrPeerGone) || errors.Is(err, comm.ErrTimeout) {
		return d.recover(ev)
	}
	return err
}

// roundTrip runs the peer protocol for one event. Zero reply events means
// the macro daemon consumed the key on purpose; one or more replace it.
// Either way the original is not re-emitted here.
func (d *Daemon) roundTrip(ev keyboard.Event) error {
	if err := d.peer.Send(comm.Message{Event: ev}); err != nil {
		return err
	}

	count := 0
	for {
		var reply comm.Message
		if err := d.peer.Recv(&reply, d.cfg.ReplyTimeout()); err != nil {
			return err
		}
		if reply.Done {
			break
		}
		if err := d.em.Emit(reply.Event); err != nil {
			return fmt.Errorf("emit reply: %w", err)
		}
		count++
	}

	if err := d.em.Flush(); err != nil {
		return fmt.Errorf("flush replies: %w", err)
	}
	if count == 0 {
		d.log.Debug("macro daemon swallowed event")
	}
	return nil
}

// recover is the safety-critical error path: the macro daemon broke
// mid-exchange.
// The user's keystroke is re-emitted verbatim, every synthetic key is
// released, all keyboards are ungrabbed for the duration of the reconnect so
// the user can keep typing, then the grabs are restored.
func (d *Daemon) recover(orig keyboard.Event) error {
	d.log.Error("lost contact with macro daemon, resetting connection")

	if err := d.em.Emit(orig); err != nil {
		return fmt.Errorf("emit original: %w", err)
	}
	d.em.ReleaseAll()
	if err := d.em.Flush(); err != nil {
		return fmt.Errorf("flush releases: %w", err)
	}
	// Second round: compositors that coalesce key reports may have merged
	// the first.
	d.em.ReleaseAll()
	if err := d.em.Flush(); err != nil {
		return fmt.Errorf("flush releases: %w", err)
	}

	snapshot := d.unlockActive()

	if err := d.peer.Reconnect(); err != nil {
		return fmt.Errorf("macro daemon unreachable: %w", err)
	}
	d.log.Info("reconnected to macro daemon")

	d.relockActive(snapshot)
	return nil
}

// unlockActive releases every active grab and returns the indices it
// touched. Handles that fail to unlock are detached.
func (d *Daemon) unlockActive() []int {
	d.activeMu.Lock()
	snapshot := append([]int(nil), d.active...)
	d.activeMu.Unlock()

	ok := snapshot[:0]
	for _, idx := range snapshot {
		dev := d.kbds[idx]
		d.log.Info("unlocking keyboard during recovery", "name", dev.Name(), "phys", dev.Phys())
		if err := dev.Unlock(); err != nil {
			d.log.Error("cannot unlock keyboard", "name", dev.Name(), "err", err)
			d.detach(idx)
			continue
		}
		ok = append(ok, idx)
	}
	return ok
}

// relockActive restores the grabs released by unlockActive. Handles that
// fail to re-lock are detached, whatever the reason, so no ungrabbed
// keyboard stays in the active set.
func (d *Daemon) relockActive(idxs []int) {
	for _, idx := range idxs {
		dev := d.kbds[idx]
		if err := dev.Lock(); err != nil {
			d.log.Error("cannot re-lock keyboard", "name", dev.Name(), "err", err)
			d.detach(idx)
		}
	}
}
