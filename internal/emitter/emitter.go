package emitter

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"hawck-inputd/internal/keyboard"
)

// DefaultEventDelay is the pause between successive synthetic writes. Some
// compositors drop keys delivered faster than about 1 ms apart.
const DefaultEventDelay = 3800 * time.Microsecond

// DefaultHighWater is the buffered-event count at which Emit flushes on its
// own.
const DefaultHighWater = 128

// Config tunes the emitter.
type Config struct {
	// Path of the uinput control node.
	Path string
	// EventDelay is the pacing delay between successive writes.
	EventDelay time.Duration
	// HighWater is the buffer size that triggers an automatic flush.
	HighWater int
}

// DefaultConfig returns the stock emitter configuration.
func DefaultConfig() Config {
	return Config{
		Path:       "/dev/uinput",
		EventDelay: DefaultEventDelay,
		HighWater:  DefaultHighWater,
	}
}

// Emitter buffers events destined for the synthetic keyboard and writes them
// out in FIFO order with a pacing delay. It tracks which key codes it has
// written as pressed but not yet released, so recovery paths can synthesize
// the missing releases.
type Emitter struct {
	mu    sync.Mutex
	dev   io.WriteCloser
	buf   []keyboard.Event
	held  map[uint16]struct{}
	delay time.Duration
	high  int
}

// New creates the synthetic device and an Emitter over it.
func New(cfg Config) (*Emitter, error) {
	dev, err := openUinput(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("uinput: %w", err)
	}
	return newEmitter(dev, cfg), nil
}

func newEmitter(dev io.WriteCloser, cfg Config) *Emitter {
	delay := cfg.EventDelay
	if delay < 0 {
		delay = DefaultEventDelay
	}
	high := cfg.HighWater
	if high <= 0 {
		high = DefaultHighWater
	}
	return &Emitter{
		dev:   dev,
		held:  make(map[uint16]struct{}),
		delay: delay,
		high:  high,
	}
}

// Emit appends one event to the buffer. When the buffer reaches the high-water
// mark the emitter flushes on its own; the returned error is that flush's.
func (e *Emitter) Emit(ev keyboard.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = append(e.buf, ev)
	if len(e.buf) >= e.high {
		return e.flushLocked()
	}
	return nil
}

// Flush writes all buffered events in submission order, sleeping the pacing
// delay between successive writes. After a successful return the kernel has
// observed every previously emitted event.
func (e *Emitter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

// flushLocked drains the buffer. The held-keys tracker is updated per event
// as it is written, so a mid-flush failure leaves the tracker describing
// exactly what the kernel saw; unwritten events stay buffered.
func (e *Emitter) flushLocked() error {
	var rec [keyboard.EventSize]byte
	for len(e.buf) > 0 {
		ev := e.buf[0]
		ev.Put(rec[:])
		if _, err := e.dev.Write(rec[:]); err != nil {
			// One retry; a persistent uinput write failure is fatal to the
			// caller.
			if _, err = e.dev.Write(rec[:]); err != nil {
				return fmt.Errorf("uinput write %s: %w", ev, err)
			}
		}
		e.track(ev)
		e.buf = e.buf[1:]
		if len(e.buf) > 0 {
			time.Sleep(e.delay)
		}
	}
	e.buf = nil
	return nil
}

func (e *Emitter) track(ev keyboard.Event) {
	if ev.Type != uint16(evdev.EV_KEY) {
		return
	}
	if ev.Value == 0 {
		delete(e.held, ev.Code)
	} else {
		e.held[ev.Code] = struct{}{}
	}
}

// ReleaseAll appends a release for every key currently held, terminated by a
// synchronization report. The tracker itself only changes as the releases are
// actually written, so the call is safe on any recovery path and idempotent
// once the buffer has drained.
func (e *Emitter) ReleaseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.held) == 0 {
		return
	}
	codes := make([]uint16, 0, len(e.held))
	for code := range e.held {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		e.buf = append(e.buf, keyboard.Now(uint16(evdev.EV_KEY), code, 0))
	}
	e.buf = append(e.buf, keyboard.Now(uint16(evdev.EV_SYN), uint16(evdev.SYN_REPORT), 0))
}

// SetEventDelay adjusts the pacing delay between successive writes.
func (e *Emitter) SetEventDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// Held returns the codes currently tracked as pressed, in ascending order.
func (e *Emitter) Held() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	codes := make([]uint16, 0, len(e.held))
	for code := range e.held {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Pending returns the number of buffered, unwritten events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Close destroys the synthetic device. Held keys are released by the kernel
// when the device goes away.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Close()
}
