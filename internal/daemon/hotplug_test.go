package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestNodeReady(t *testing.T) {
	const inputGID = 97

	tests := []struct {
		name     string
		mode     uint32
		gid      uint32
		checkGID bool
		want     bool
	}{
		{"settled node", unix.S_IFCHR | 0660, inputGID, true, true},
		{"group read only", unix.S_IFCHR | 0640, inputGID, true, false},
		{"no group access", unix.S_IFCHR | 0600, inputGID, true, false},
		{"wrong group", unix.S_IFCHR | 0660, 0, true, false},
		{"wrong group ignored without check", unix.S_IFCHR | 0660, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := unix.Stat_t{Mode: tt.mode, Gid: tt.gid}
			assert.Equal(t, tt.want, nodeReady(&st, inputGID, tt.checkGID))
		})
	}
}
