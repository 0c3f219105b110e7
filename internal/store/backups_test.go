package store_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/store"
)

func Test_CreateBackup_Writes_Named_Copy(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)
	require.NoError(t, s.Save([]document.Task{newTask(1, "keep me")}))

	path, err := s.CreateBackup("before-cleanup")
	require.NoError(t, err)
	assert.Equal(t, cfg.Path+".before-cleanup", path)
	assert.Equal(t, []string{"keep me"}, titles(readDoc(t, path).Todos))

	backups, err := s.ListBackups()
	require.NoError(t, err)
	assert.Contains(t, backups, path)
}

func Test_CreateBackup_Without_Name_Uses_Timestamp(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Now = func() time.Time { return time.Date(2024, 3, 9, 8, 7, 6, 0, time.UTC) }

	s := openStore(t, cfg)

	path, err := s.CreateBackup("")
	require.NoError(t, err)
	assert.Equal(t, cfg.Path+".manual_20240309_080706", path)
	assert.FileExists(t, path)
}

func Test_CreateBackup_Rejects_Invalid_Names(t *testing.T) {
	t.Parallel()

	s := openStore(t, testConfig(t))

	for _, name := range []string{"../escape", "backup", "backup.2", ".hidden", "recovery"} {
		_, err := s.CreateBackup(name)
		require.ErrorIs(t, err, store.ErrValidation, name)
	}
}

func Test_CreateBackup_Is_Not_Rotated_Away(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.BackupCount = 1

	s := openStore(t, cfg)
	require.NoError(t, s.Save([]document.Task{newTask(1, "snapshot")}))

	manual, err := s.CreateBackup("pinned")
	require.NoError(t, err)

	for range 4 {
		require.NoError(t, s.ForceSave())
	}

	assert.FileExists(t, manual)
	assert.NoFileExists(t, cfg.Path+".backup.2")
}

// Contract: a restore is itself a save, so the replaced primary lands in
// the backup chain.
func Test_RestoreFromBackup_Replaces_Document_And_Rotates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)

	require.NoError(t, s.Save([]document.Task{newTask(1, "good")}))
	require.NoError(t, s.Save([]document.Task{newTask(1, "bad edit")}))

	require.NoError(t, s.RestoreFromBackup(filepath.Base(cfg.Path)+".backup"))

	assert.Equal(t, []string{"good"}, titles(s.Records()))
	assert.Equal(t, []string{"good"}, titles(readDoc(t, cfg.Path).Todos))
	assert.Equal(t, []string{"bad edit"}, titles(readDoc(t, cfg.Path+".backup").Todos))
}

func Test_RestoreFromBackup_Accepts_Full_Path_Of_Manual_Backup(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)

	require.NoError(t, s.Save([]document.Task{newTask(1, "original")}))

	path, err := s.CreateBackup("safe")
	require.NoError(t, err)

	require.NoError(t, s.Save(nil))
	require.NoError(t, s.RestoreFromBackup(path))

	assert.Equal(t, []string{"original"}, titles(s.Records()))
}

func Test_RestoreFromBackup_Rejects_Foreign_Files(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)

	other := filepath.Join(t.TempDir(), "todos.json.backup")
	require.NoError(t, os.WriteFile(other, []byte(`{"todos": []}`), 0o644))

	for _, path := range []string{"", other, cfg.Path, cfg.Path + ".recovery", "unrelated.json"} {
		err := s.RestoreFromBackup(path)
		require.ErrorIs(t, err, store.ErrValidation, path)
	}
}

func Test_RestoreFromBackup_Rejects_Corrupt_Backup(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)
	require.NoError(t, s.Save([]document.Task{newTask(1, "current")}))

	require.NoError(t, os.WriteFile(cfg.Path+".backup", []byte("nope"), 0o644))

	err := s.RestoreFromBackup(cfg.Path + ".backup")
	require.ErrorIs(t, err, store.ErrCorrupt)
	assert.Equal(t, []string{"current"}, titles(s.Records()))
}

func Test_ExportTo_And_ImportFrom_Round_Trip(t *testing.T) {
	t.Parallel()

	for _, ext := range []string{".json", ".yaml", ".toml"} {
		t.Run(ext, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			s := openStore(t, cfg)

			tasks := []document.Task{
				newTask(1, "export me", newSub(1, "child")),
				newTask(2, "me too"),
			}
			tasks[0].Subtasks[0].Completed = true
			tasks[0].Subtasks[0].CompletedAt = document.At(created.Add(time.Hour))

			require.NoError(t, s.Save(tasks))

			target := filepath.Join(t.TempDir(), "export"+ext)
			require.NoError(t, s.ExportTo(target, nil))

			imported, err := s.ImportFrom(target)
			require.NoError(t, err)

			want := s.Records()
			require.NotNil(t, want[0].CompletedAt, "task with only completed subtasks is complete")

			opts := cmp.Comparer(func(a, b document.Timestamp) bool { return a.Equal(b) })
			if diff := cmp.Diff(want, imported, opts); diff != "" {
				t.Fatalf("imported tasks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_ExportTo_Given_Tasks_Leaves_Store_Alone(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)
	require.NoError(t, s.Save([]document.Task{newTask(1, "stored")}))

	target := filepath.Join(t.TempDir(), "subset.json")
	require.NoError(t, s.ExportTo(target, []document.Task{newTask(7, "only this")}))

	imported, err := s.ImportFrom(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"only this"}, titles(imported))
	assert.Equal(t, []string{"stored"}, titles(s.Records()))
	assert.False(t, s.Dirty())
}

func Test_ExportTo_Rejects_Unknown_Extension(t *testing.T) {
	t.Parallel()

	s := openStore(t, testConfig(t))

	err := s.ExportTo(filepath.Join(t.TempDir(), "out.csv"), nil)
	require.ErrorIs(t, err, store.ErrValidation)
}

func Test_ImportFrom_Migrates_And_Repairs_Legacy_File(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)

	source := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(source, []byte(`{"todos": [
		{"id": 2, "title": "", "created_at": "2023-05-01 12:00:00", "subtasks": [
			{"id": 1, "title": "sub", "is_completed": false}
		]},
		{"id": 2, "title": "dup", "created_at": "2023-05-01T12:00:00"}
	]}`), 0o644))

	doc, err := s.ImportDocument(source)
	require.NoError(t, err)

	require.Len(t, doc.Todos, 2)
	assert.Equal(t, document.CurrentVersion, doc.Version)
	assert.NotEmpty(t, doc.Todos[0].Title)
	assert.Equal(t, 2, doc.Todos[0].Subtasks[0].TodoID)
	assert.Equal(t, 3, doc.Todos[1].ID)
	assert.Equal(t, 4, doc.NextID)
}

func Test_ImportFrom_Corrupt_File_Fails(t *testing.T) {
	t.Parallel()

	s := openStore(t, testConfig(t))

	source := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(source, []byte("todos: [unterminated"), 0o644))

	_, err := s.ImportFrom(source)
	require.ErrorIs(t, err, store.ErrCorrupt)
}

func Test_GetIntegrityStatus_Reports_Files_And_Validity(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)

	status := s.GetIntegrityStatus()
	assert.False(t, status.FileExists)
	assert.True(t, status.Healthy())
	assert.Zero(t, status.Backups)

	require.NoError(t, s.Save([]document.Task{newTask(1, "a")}))
	require.NoError(t, s.Save([]document.Task{newTask(1, "a"), newTask(2, "b")}))

	status = s.GetIntegrityStatus()
	assert.True(t, status.FileExists)
	assert.Positive(t, status.FileSize)
	assert.Equal(t, 1, status.Backups)
	assert.False(t, status.JournalPending)
	assert.False(t, status.Dirty)
	require.NotNil(t, status.LastSavedAt)
	assert.Equal(t, 2, status.Report.Statistics.Tasks)
}

func Test_GetIntegrityStatus_Flags_Invalid_Document_Without_Fixing_It(t *testing.T) {
	t.Parallel()

	s := openStore(t, testConfig(t))

	require.NoError(t, s.Update(func(doc *document.Document) error {
		doc.Todos = append(doc.Todos, newTask(1, "one"), newTask(1, "clash"))

		return nil
	}))

	status := s.GetIntegrityStatus()
	assert.False(t, status.Report.Valid)
	assert.False(t, status.Healthy())
	assert.NotEmpty(t, status.Report.Issues)

	ids := []int{s.Records()[0].ID, s.Records()[1].ID}
	assert.Equal(t, []int{1, 1}, ids)
}

// Contract: status checks read the configured clock, never the wall clock.
func Test_GetIntegrityStatus_Uses_Store_Clock(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64

	cfg := testConfig(t)
	cfg.Now = func() time.Time {
		ticks.Add(1)

		return created
	}

	s := openStore(t, cfg)

	require.NoError(t, s.Update(func(doc *document.Document) error {
		task := newTask(1, "done")
		task.CompletedAt = nil
		task.Subtasks = []document.SubTask{newSub(1, "sub")}
		task.Subtasks[0].TodoID = 1
		task.Subtasks[0].Completed = true

		doc.Todos = append(doc.Todos, task)

		return nil
	}))

	before := ticks.Load()
	status := s.GetIntegrityStatus()

	assert.Greater(t, ticks.Load(), before)
	assert.False(t, status.Report.Valid)
	assert.Nil(t, s.Records()[0].Subtasks[0].CompletedAt)
}

// Contract: exports never land on the primary or a file the store keeps
// beside it; those only change through the save path.
func Test_ExportTo_Rejects_Store_Owned_Paths(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)
	require.NoError(t, s.Save([]document.Task{newTask(1, "primary")}))

	before, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)

	targets := []string{
		cfg.Path,
		cfg.Path + ".manual.json",
		filepath.Join(filepath.Dir(cfg.Path), ".", filepath.Base(cfg.Path)+".backup.yaml"),
	}

	for _, target := range targets {
		err := s.ExportTo(target, nil)
		require.ErrorIs(t, err, store.ErrValidation, target)
		assert.NoFileExists(t, target+".tmp")
	}

	after, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.NoFileExists(t, cfg.Path+".manual.json")

	require.NoError(t, s.ExportTo(filepath.Join(filepath.Dir(cfg.Path), "todos-export.json"), nil))
}
