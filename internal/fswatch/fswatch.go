// Package fswatch delivers filesystem change events to a callback running on
// a dedicated watcher thread. It narrows fsnotify down to the three
// operations the daemon cares about (create, modify, delete) and attaches a
// stat record to each live path so callers can permission-gate without a
// second round trip.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op is a bitmask of event kinds.
type Op uint32

const (
	Create Op = 1 << iota
	Modify
	DeleteSelf
)

func (op Op) String() string {
	switch {
	case op&Create != 0:
		return "create"
	case op&Modify != 0:
		return "modify"
	case op&DeleteSelf != 0:
		return "delete"
	}
	return "none"
}

// Event is one filesystem notification. Stat is nil for DeleteSelf events
// and for paths that vanished between the notification and the stat.
type Event struct {
	Path string
	Op   Op
	Stat os.FileInfo
}

// Watcher wraps one fsnotify instance and one delivery goroutine. Events for
// a single path arrive in filesystem order; ordering across paths is not
// specified. The callback runs on the watcher's goroutine and does its own
// locking.
type Watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates an idle watcher. Call Add/AddFrom, then Begin.
func New() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{fs: fs, done: make(chan struct{})}, nil
}

// Add begins watching path.
func (w *Watcher) Add(path string) error {
	if err := w.fs.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	return nil
}

// AddFrom watches dir and returns one synthetic Create event per non-directory
// entry already present, so registration logic is the same for the initial
// scan and live updates. Subdirectories and entries that cannot be stat'ed
// produce no event.
func (w *Watcher) AddFrom(dir string) ([]Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if err := w.Add(dir); err != nil {
		return nil, err
	}

	var events []Event
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		events = append(events, Event{Path: path, Op: Create, Stat: info})
	}
	return events, nil
}

// Begin spawns the delivery goroutine. cb is invoked once per event, on that
// goroutine.
func (w *Watcher) Begin(cb func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.done:
				return
			case fsEv, ok := <-w.fs.Events:
				if !ok {
					return
				}
				if ev, ok := translate(fsEv); ok {
					cb(ev)
				}
			case _, ok := <-w.fs.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// translate maps an fsnotify event onto the daemon's vocabulary. Renames
// count as deletion: the path this daemon knew is gone.
func translate(fsEv fsnotify.Event) (Event, bool) {
	var op Op
	switch {
	case fsEv.Op.Has(fsnotify.Create):
		op = Create
	case fsEv.Op.Has(fsnotify.Write):
		op = Modify
	case fsEv.Op.Has(fsnotify.Remove), fsEv.Op.Has(fsnotify.Rename):
		op = DeleteSelf
	default:
		return Event{}, false
	}

	ev := Event{Path: fsEv.Name, Op: op}
	if op != DeleteSelf {
		if info, err := os.Stat(fsEv.Name); err == nil {
			ev.Stat = info
		}
	}
	return ev, true
}

// Stop shuts the delivery goroutine down and closes the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return w.fs.Close()
	}
	w.started = false
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	w.done = make(chan struct{})
	return err
}
