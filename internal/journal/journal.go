// Package journal implements the write-ahead recovery file kept beside the
// primary document while a save is in flight.
//
// The journal is written before the primary and removed once the primary is
// durable. A journal found at startup therefore means a save may not have
// completed; [Journal.Check] decides whether its content should be replayed.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/pkg/fs"
)

// Suffix is appended to the primary path to form the journal path.
const Suffix = ".recovery"

// CorruptSuffix is appended to the primary path for unreadable journals
// moved out of the way.
const CorruptSuffix = ".recovery.corrupt"

// ErrCorrupt is returned by [Journal.Read] for a journal that cannot be decoded.
var ErrCorrupt = errors.New("journal corrupt")

// Entry is the on-disk journal content.
type Entry struct {
	ID            string           `json:"journal_id"`
	Timestamp     time.Time        `json:"timestamp"`
	OriginalFile  string           `json:"original_file"`
	Version       document.Version `json:"data_version"`
	Todos         []document.Task  `json:"todos"`
	NextID        int              `json:"next_id"`
	NextSubtaskID int              `json:"next_subtask_id"`
	Settings      map[string]any   `json:"settings"`
}

// Document rebuilds the document the journal was written for.
func (e *Entry) Document() *document.Document {
	doc := &document.Document{
		Version:       e.Version,
		Todos:         document.CloneTasks(e.Todos),
		NextID:        e.NextID,
		NextSubtaskID: e.NextSubtaskID,
		Settings:      e.Settings,
	}

	if doc.Todos == nil {
		doc.Todos = []document.Task{}
	}

	if doc.Settings == nil {
		doc.Settings = map[string]any{}
	}

	return doc
}

// Action is what startup should do with a leftover journal.
type Action int

const (
	// ActionNone means there is no journal.
	ActionNone Action = iota
	// ActionReplay means the primary is missing or older than the journal.
	ActionReplay
	// ActionDiscard means the primary already holds the journaled save.
	ActionDiscard
	// ActionQuarantine means the journal is unreadable.
	ActionQuarantine
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReplay:
		return "replay"
	case ActionDiscard:
		return "discard"
	case ActionQuarantine:
		return "quarantine"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Plan is the result of [Journal.Check].
type Plan struct {
	Action Action
	Entry  *Entry
	Reason string
}

// Journal manages the recovery file of one primary path.
type Journal struct {
	fs      fs.FS
	writer  *fs.AtomicWriter
	primary string
}

// New returns a journal for the given primary path.
func New(fsys fs.FS, primary string) *Journal {
	if fsys == nil {
		panic("journal: fs is nil")
	}

	return &Journal{fs: fsys, writer: fs.NewAtomicWriter(fsys), primary: primary}
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.primary + Suffix }

// Write records doc as the save about to happen. The file is written
// atomically and re-read to confirm every task made it to disk.
func (j *Journal) Write(doc *document.Document, now time.Time) (*Entry, error) {
	entry := &Entry{
		ID:            uuid.NewString(),
		Timestamp:     now,
		OriginalFile:  j.primary,
		Version:       doc.Version,
		Todos:         make([]document.Task, len(doc.Todos)),
		NextID:        doc.NextID,
		NextSubtaskID: doc.NextSubtaskID,
		Settings:      doc.Settings,
	}

	for i := range doc.Todos {
		entry.Todos[i] = doc.Todos[i]
		if entry.Todos[i].Subtasks == nil {
			entry.Todos[i].Subtasks = []document.SubTask{}
		}
	}

	if entry.Settings == nil {
		entry.Settings = map[string]any{}
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode journal: %w", err)
	}

	want := len(entry.Todos)

	opts := j.writer.DefaultOptions()
	opts.Verify = func(written []byte) error {
		got, err := decode(written)
		if err != nil {
			return err
		}

		if len(got.Todos) != want {
			return fmt.Errorf("journal holds %d tasks, want %d", len(got.Todos), want)
		}

		return nil
	}

	err = j.writer.Write(j.Path(), bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("write journal: %w", err)
	}

	return entry, nil
}

// Read returns the journal entry. A missing journal yields an error matching
// [os.ErrNotExist]; an undecodable one wraps [ErrCorrupt].
func (j *Journal) Read() (*Entry, error) {
	data, err := j.fs.ReadFile(j.Path())
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	return decode(data)
}

// Remove deletes the journal. A missing journal is not an error.
func (j *Journal) Remove() error {
	err := j.fs.Remove(j.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove journal: %w", err)
	}

	return nil
}

// Quarantine moves an unreadable journal to the primary path plus
// [CorruptSuffix], replacing any earlier one.
func (j *Journal) Quarantine() error {
	err := j.fs.Rename(j.Path(), j.primary+CorruptSuffix)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("quarantine journal: %w", err)
	}

	return nil
}

// Pending reports whether a journal file exists.
func (j *Journal) Pending() (bool, error) {
	ok, err := j.fs.Exists(j.Path())
	if err != nil {
		return false, fmt.Errorf("stat journal: %w", err)
	}

	return ok, nil
}

// Check decides what to do with a leftover journal.
//
// The journal is replayed when the primary is missing or was last modified
// before the journal was written; otherwise the save it describes completed
// and the journal is stale. Both times come from the filesystem so they
// share one clock.
func (j *Journal) Check() (Plan, error) {
	journalInfo, err := j.fs.Stat(j.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Plan{Action: ActionNone}, nil
		}

		return Plan{}, fmt.Errorf("stat journal: %w", err)
	}

	entry, err := j.Read()
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return Plan{Action: ActionQuarantine, Reason: err.Error()}, nil
		}

		return Plan{}, err
	}

	primaryInfo, err := j.fs.Stat(j.primary)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return Plan{Action: ActionReplay, Entry: entry, Reason: "primary missing"}, nil
	case err != nil:
		return Plan{}, fmt.Errorf("stat primary: %w", err)
	case primaryInfo.ModTime().Before(journalInfo.ModTime()):
		return Plan{Action: ActionReplay, Entry: entry, Reason: "primary older than journal"}, nil
	default:
		return Plan{Action: ActionDiscard, Entry: entry, Reason: "primary newer than journal"}, nil
	}
}

func decode(data []byte) (*Entry, error) {
	var entry Entry

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := dec.Decode(&entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if entry.ID == "" || entry.Todos == nil {
		return nil, fmt.Errorf("%w: missing journal_id or todos", ErrCorrupt)
	}

	return &entry, nil
}
