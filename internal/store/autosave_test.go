package store_test

import (
	"errors"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/store"
	"github.com/calvinalkan/taskvault/pkg/fs"
)

func addTask(title string) func(*document.Document) error {
	return func(doc *document.Document) error {
		task := newTask(doc.AllocTaskID(), title)
		doc.Todos = append(doc.Todos, task)

		return nil
	}
}

// Contract: a change is on disk within one auto-save interval.
func Test_AutoSave_Writes_Changes_In_Background(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.AutoSaveInterval = 10 * time.Millisecond

	s := openStore(t, cfg)

	require.NoError(t, s.Update(addTask("background")))

	require.Eventually(t, func() bool {
		return !s.Dirty()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"background"}, titles(readDoc(t, cfg.Path).Todos))
}

func Test_Flush_Skips_Write_When_Content_Unchanged(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	faulty := fs.NewFaulty(fs.NewReal())
	cfg.FS = faulty

	s := openStore(t, cfg)
	require.NoError(t, s.Save([]document.Task{newTask(1, "same")}))

	renames := faulty.Calls(fs.OpRename)
	opens := faulty.Calls(fs.OpOpenFile)

	s.MarkChanged()
	assert.True(t, s.Dirty())

	require.NoError(t, s.Flush())

	assert.False(t, s.Dirty())
	assert.Equal(t, renames, faulty.Calls(fs.OpRename))
	assert.Equal(t, opens, faulty.Calls(fs.OpOpenFile))
}

func Test_Flush_Does_Nothing_When_Not_Armed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := openStore(t, cfg)

	require.NoError(t, s.Flush())
	assert.NoFileExists(t, cfg.Path)
}

func Test_Flush_Failure_Stays_Armed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	faulty := fs.NewFaulty(fs.NewReal())
	cfg.FS = faulty

	s := openStore(t, cfg)
	require.NoError(t, s.Update(addTask("retry me")))

	faulty.Fail(fs.OpRename, "todos.json", 0, syscall.EROFS)

	err := s.Flush()
	require.ErrorIs(t, err, store.ErrIO)
	assert.True(t, s.Dirty())

	faulty.Reset()

	require.NoError(t, s.Flush())
	assert.False(t, s.Dirty())
	assert.Equal(t, []string{"retry me"}, titles(readDoc(t, cfg.Path).Todos))
}

// Contract: Shutdown writes pending changes once, then the store is closed.
func Test_Shutdown_Flushes_And_Closes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.AutoSaveInterval = time.Hour

	s, err := store.Open(t.Context(), cfg)
	require.NoError(t, err)

	saves := 0

	s.OnSave(func(store.SaveEvent) { saves++ })

	require.NoError(t, s.Update(addTask("pending")))
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	assert.Equal(t, 1, saves)
	assert.Equal(t, []string{"pending"}, titles(readDoc(t, cfg.Path).Todos))

	require.ErrorIs(t, s.Save(nil), store.ErrClosed)
	require.ErrorIs(t, s.Update(addTask("late")), store.ErrClosed)
	require.ErrorIs(t, s.ForceSave(), store.ErrClosed)

	_, err = s.Load()
	require.ErrorIs(t, err, store.ErrClosed)
}

// Contract: with the ticker running, Shutdown waits for the tick in flight
// and no background write happens after it returns.
func Test_Shutdown_Stops_Running_Ticker(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.AutoSaveInterval = time.Millisecond

	faulty := fs.NewFaulty(fs.NewReal())
	cfg.FS = faulty

	s, err := store.Open(t.Context(), cfg)
	require.NoError(t, err)

	want := make([]string, 0, 50)

	for i := range 50 {
		title := "task " + strconv.Itoa(i)
		want = append(want, title)

		require.NoError(t, s.Update(addTask(title)))

		if i%10 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	require.NoError(t, s.Shutdown())

	renames := faulty.Calls(fs.OpRename)
	opens := faulty.Calls(fs.OpOpenFile)

	time.Sleep(20 * cfg.AutoSaveInterval)

	assert.Equal(t, renames, faulty.Calls(fs.OpRename))
	assert.Equal(t, opens, faulty.Calls(fs.OpOpenFile))
	assert.False(t, s.Dirty())
	assert.Equal(t, want, titles(readDoc(t, cfg.Path).Todos))
	require.ErrorIs(t, s.Update(addTask("late")), store.ErrClosed)
}

func Test_Shutdown_Reports_Final_Save_Failure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	faulty := fs.NewFaulty(fs.NewReal())
	cfg.FS = faulty

	s, err := store.Open(t.Context(), cfg)
	require.NoError(t, err)

	require.NoError(t, s.Update(addTask("doomed")))

	faulty.Fail(fs.OpRename, "todos.json", 0, syscall.EIO)

	err = s.Shutdown()
	require.ErrorIs(t, err, store.ErrIO)
	assert.True(t, errors.Is(s.Shutdown(), store.ErrIO), "later calls repeat the first result")
}

func Test_Update_Error_Leaves_Document_Untouched(t *testing.T) {
	t.Parallel()

	s := openStore(t, testConfig(t))

	boom := errors.New("boom")

	err := s.Update(func(doc *document.Document) error {
		doc.Todos = append(doc.Todos, newTask(1, "half done"))

		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Records())
	assert.False(t, s.Dirty())
}

func Test_Close_Discards_Pending_Changes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s, err := store.Open(t.Context(), cfg)
	require.NoError(t, err)

	require.NoError(t, s.Update(addTask("never written")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Shutdown(), "shutdown after close is a no-op")

	assert.NoFileExists(t, cfg.Path)
	require.ErrorIs(t, s.Flush(), store.ErrClosed)
}
