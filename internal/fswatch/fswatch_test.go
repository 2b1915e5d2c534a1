package fswatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers callback events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) waitFor(t *testing.T, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, ev := range c.events {
			if pred(ev) {
				c.mu.Unlock()
				return ev
			}
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for event")
	return Event{}
}

func startWatcher(t *testing.T, dir string) (*Watcher, *collector) {
	t.Helper()
	w, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })
	require.NoError(t, w.Add(dir))

	c := &collector{}
	w.Begin(c.add)
	return w, c
}

func TestCreateEventCarriesStat(t *testing.T) {
	dir := t.TempDir()
	_, c := startWatcher(t, dir)

	path := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("key_code\n30\n"), 0644))

	ev := c.waitFor(t, func(ev Event) bool { return ev.Path == path && ev.Op == Create })
	require.NotNil(t, ev.Stat)
	assert.Equal(t, os.FileMode(0644), ev.Stat.Mode().Perm())
}

func TestModifyEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))

	_, c := startWatcher(t, dir)
	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))

	c.waitFor(t, func(ev Event) bool { return ev.Path == path && ev.Op == Modify })
}

func TestDeleteEventHasNoStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	_, c := startWatcher(t, dir)
	require.NoError(t, os.Remove(path))

	ev := c.waitFor(t, func(ev Event) bool { return ev.Path == path && ev.Op == DeleteSelf })
	assert.Nil(t, ev.Stat)
}

func TestAddFromSynthesizesCreates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("y"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	w, err := New()
	require.NoError(t, err)
	defer w.Stop()

	events, err := w.AddFrom(dir)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, Create, ev.Op)
		require.NotNil(t, ev.Stat)
	}
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "create", Create.String())
	assert.Equal(t, "modify", Modify.String())
	assert.Equal(t, "delete", DeleteSelf.String())
}
