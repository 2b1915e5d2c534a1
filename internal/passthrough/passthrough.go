// Package passthrough maintains the allow-list of key codes that may be
// forwarded to the macro daemon. Codes come from CSV descriptor files in a
// watched directory; every file is one source, and the effective set is the
// union of all live sources.
//
// The set is safety-critical: a key code missing from it never crosses the
// daemon boundary, so a corrupt or malicious descriptor file can widen the
// exposed surface only if it also passes the ownership and mode gate.
package passthrough

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"hawck-inputd/internal/fswatch"
	"hawck-inputd/internal/logging"
)

// requiredMode is the only file mode accepted for descriptor files.
const requiredMode = 0644

// Registry is the merged allow-list. All operations are safe for concurrent
// use; the watcher callback mutates it while the event loop queries it.
type Registry struct {
	mu      sync.Mutex
	sources map[string]map[uint16]struct{}
	merged  map[uint16]struct{}
	uid     uint32
	log     *logging.Logger
}

// New creates an empty registry that accepts descriptor files owned by uid.
func New(uid int, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		sources: make(map[string]map[uint16]struct{}),
		merged:  make(map[uint16]struct{}),
		uid:     uint32(uid),
		log:     log,
	}
}

// Load installs (or replaces) the source at path. Files failing the
// permission gate or the CSV parse are logged and skipped; neither is an
// error to the caller, since descriptor files arrive from a watched
// directory the daemon does not control.
func (r *Registry) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	// Reload is replace, not accumulate.
	r.unloadLocked(abs)

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || info.Mode().Perm() != requiredMode || st.Uid != r.uid {
		r.log.Error("invalid permissions on passthrough file, require rw-r--r-- owned by daemon user",
			"path", abs, "mode", info.Mode().Perm().String())
		return nil
	}

	codes, err := parseCSV(abs)
	if err != nil {
		r.log.Error("cannot parse passthrough file", "path", abs, "err", err)
		return nil
	}

	r.sources[abs] = codes
	for code := range codes {
		r.merged[code] = struct{}{}
	}
	r.log.Info("loaded passthrough keys", "path", abs, "count", len(codes))
	return nil
}

// Unload removes the source at path and rebuilds the merged set from the
// remaining sources. Rebuilding (rather than subtracting) keeps codes that
// another source still lists.
func (r *Registry) Unload(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	if r.unloadLocked(abs) {
		r.log.Info("removed passthrough keys", "path", abs)
	}
}

func (r *Registry) unloadLocked(abs string) bool {
	if _, ok := r.sources[abs]; !ok {
		return false
	}
	delete(r.sources, abs)

	r.merged = make(map[uint16]struct{})
	for _, codes := range r.sources {
		for code := range codes {
			r.merged[code] = struct{}{}
		}
	}
	return true
}

// Contains reports whether code is in the merged allow-list.
func (r *Registry) Contains(code uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.merged[code]
	return ok
}

// Size returns the cardinality of the merged set.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.merged)
}

// HandleEvent is the watcher callback for the keys directory: creations and
// modifications load, deletions unload. Non-CSV entries are ignored.
func (r *Registry) HandleEvent(ev fswatch.Event) {
	if !strings.HasSuffix(ev.Path, ".csv") {
		return
	}
	switch {
	case ev.Op&fswatch.DeleteSelf != 0:
		r.Unload(ev.Path)
	case ev.Op&(fswatch.Create|fswatch.Modify) != 0:
		if err := r.Load(ev.Path); err != nil {
			r.log.Error("cannot load passthrough file", "path", ev.Path, "err", err)
		}
	}
}

// parseCSV extracts the key_code column. Unparseable and negative cells are
// skipped silently; a file without a key_code column is an error.
func parseCSV(path string) (map[uint16]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rd := csv.NewReader(f)
	rd.FieldsPerRecord = -1

	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == "key_code" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("no key_code column")
	}

	codes := make(map[uint16]struct{})
	for {
		record, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if col >= len(record) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(record[col]))
		if err != nil || n < 0 || n > 0xffff {
			continue
		}
		codes[uint16(n)] = struct{}{}
	}
	return codes, nil
}
