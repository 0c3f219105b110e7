package store_test

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/store"
	"github.com/calvinalkan/taskvault/pkg/fs"
)

// Contract: whatever step of a save fails, reopening yields either the old
// or the new document, never a mix and never an empty one.
func Test_Save_Interrupted_At_Any_Step_Reopens_Old_Or_New(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		op      fs.Op
		suffix  string
		wantNew bool // save succeeds despite the fault
	}{
		{name: "journal_create", op: fs.OpOpenFile, suffix: ".recovery.tmp"},
		{name: "journal_sync", op: fs.OpFileSync, suffix: ".recovery.tmp"},
		{name: "journal_rename", op: fs.OpRename, suffix: ".recovery"},
		{name: "primary_create", op: fs.OpOpenFile, suffix: "todos.json.tmp"},
		{name: "primary_write", op: fs.OpFileWrite, suffix: "todos.json.tmp"},
		{name: "primary_sync", op: fs.OpFileSync, suffix: "todos.json.tmp"},
		{name: "primary_rename", op: fs.OpRename, suffix: "todos.json"},
		{name: "rotation_shift", op: fs.OpRename, suffix: ".backup.1", wantNew: true},
		{name: "rotation_write", op: fs.OpOpenFile, suffix: ".backup.tmp", wantNew: true},
		{name: "journal_remove", op: fs.OpRemove, suffix: ".recovery", wantNew: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			faulty := fs.NewFaulty(fs.NewReal())
			cfg.FS = faulty

			s := openStore(t, cfg)
			require.NoError(t, s.Save([]document.Task{newTask(1, "older")}))
			require.NoError(t, s.Save([]document.Task{newTask(1, "old")}))

			faulty.Fail(tc.op, tc.suffix, 0, syscall.EIO)

			err := s.Save([]document.Task{newTask(1, "new"), newTask(2, "new too")})
			if tc.wantNew {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, store.ErrIO)
			}

			// Abandon s as a crashed process would: no flush, no cleanup.
			require.NoError(t, s.Close())

			cfg.FS = fs.NewReal()
			reopened := openStore(t, cfg)

			got := titles(reopened.Records())

			if tc.wantNew {
				assert.Equal(t, []string{"new", "new too"}, got)

				return
			}

			assert.Contains(t, [][]string{{"old"}, {"new", "new too"}}, got)
			assert.NotEqual(t, []string{"older"}, got)
		})
	}
}
