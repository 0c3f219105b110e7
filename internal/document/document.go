// Package document defines the persisted task document and its codec.
//
// A [Document] is the unit of persistence: an ordered list of [Task] records
// with their [SubTask] children, id counters, opaque settings and save
// metadata. The codec converts documents to and from indented JSON in which
// every optional field is present (explicit null), so that migrations can
// tell a field that never existed from one that is empty.
package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CurrentVersion is the schema version written by this package.
const CurrentVersion Version = 3

// Version is a document schema version.
//
// Older files stored the version as a string tag such as "2.0"; those decode
// to their major number.
type Version int

// UnmarshalJSON accepts integers and "major[.minor]" strings.
func (v *Version) UnmarshalJSON(data []byte) error {
	parsed, err := ParseVersion(json.RawMessage(data))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// ParseVersion parses a raw version value. JSON null and empty input yield 0.
func ParseVersion(value any) (Version, error) {
	switch val := value.(type) {
	case nil:
		return 0, nil
	case json.RawMessage:
		if len(val) == 0 || string(val) == "null" {
			return 0, nil
		}

		var decoded any

		dec := json.NewDecoder(strings.NewReader(string(val)))
		dec.UseNumber()

		if err := dec.Decode(&decoded); err != nil {
			return 0, fmt.Errorf("version %s: %w", val, err)
		}

		return ParseVersion(decoded)
	case json.Number:
		return ParseVersion(val.String())
	case float64:
		return Version(int(val)), nil
	case int:
		return Version(val), nil
	case int64:
		return Version(int(val)), nil
	case string:
		major, _, _ := strings.Cut(strings.TrimSpace(val), ".")

		n, err := strconv.Atoi(major)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("version %q: not a version number", val)
		}

		return Version(n), nil
	default:
		return 0, fmt.Errorf("version of type %T: not a version number", value)
	}
}

// Document is the complete persisted state.
type Document struct {
	Version       Version        `json:"data_version"`
	Todos         []Task         `json:"todos"`
	NextID        int            `json:"next_id"`
	NextSubtaskID int            `json:"next_subtask_id"`
	Settings      map[string]any `json:"settings"`
	LastSavedAt   *Timestamp     `json:"last_saved_at"`
}

// Task is a top-level record. It owns its subtasks exclusively.
type Task struct {
	ID          int        `json:"id"`
	Title       string     `json:"title"`
	CreatedAt   Timestamp  `json:"created_at"`
	FolderPath  string     `json:"folder_path"`
	Subtasks    []SubTask  `json:"subtasks"`
	Expanded    bool       `json:"is_expanded"`
	DueDate     *Timestamp `json:"due_date"`
	CompletedAt *Timestamp `json:"completed_at"`
}

// SubTask is a child of exactly one [Task]; TodoID must equal the owner's ID.
type SubTask struct {
	ID          int        `json:"id"`
	TodoID      int        `json:"todo_id"`
	Title       string     `json:"title"`
	Completed   bool       `json:"is_completed"`
	CreatedAt   Timestamp  `json:"created_at"`
	DueDate     *Timestamp `json:"due_date"`
	CompletedAt *Timestamp `json:"completed_at"`
}

// DefaultSettings returns the settings a fresh or migrated document starts with.
func DefaultSettings() map[string]any {
	return map[string]any{
		"show_startup_notifications": true,
		"notifications_enabled":      true,
		"due_date_format":            "%Y-%m-%d %H:%M",
		"urgent_threshold_hours":     json.Number("24"),
	}
}

// New returns an empty document at [CurrentVersion].
func New() *Document {
	return &Document{
		Version:       CurrentVersion,
		Todos:         []Task{},
		NextID:        1,
		NextSubtaskID: 1,
		Settings:      DefaultSettings(),
	}
}

// IsComplete reports whether the task is functionally complete.
//
// A task with subtasks is complete when all of them are. A task without
// subtasks has no separate flag, so its completion timestamp decides.
func (t *Task) IsComplete() bool {
	if len(t.Subtasks) == 0 {
		return t.CompletedAt != nil
	}

	for i := range t.Subtasks {
		if !t.Subtasks[i].Completed {
			return false
		}
	}

	return true
}

// SetCompleted marks the subtask complete or incomplete and keeps
// CompletedAt consistent: completing sets it to now if absent.
func (s *SubTask) SetCompleted(done bool, now time.Time) {
	s.Completed = done

	switch {
	case done && s.CompletedAt == nil:
		s.CompletedAt = At(now)
	case !done:
		s.CompletedAt = nil
	}
}

// Subtask returns the subtask with the given id, or nil.
func (t *Task) Subtask(id int) *SubTask {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i]
		}
	}

	return nil
}

// Task returns the task with the given id, or nil.
func (d *Document) Task(id int) *Task {
	for i := range d.Todos {
		if d.Todos[i].ID == id {
			return &d.Todos[i]
		}
	}

	return nil
}

// SubtaskCount returns the number of subtasks across all tasks.
func (d *Document) SubtaskCount() int {
	n := 0
	for i := range d.Todos {
		n += len(d.Todos[i].Subtasks)
	}

	return n
}

// MaxTaskID returns the largest task id, or 0.
func (d *Document) MaxTaskID() int {
	maxID := 0
	for i := range d.Todos {
		maxID = max(maxID, d.Todos[i].ID)
	}

	return maxID
}

// MaxSubtaskID returns the largest subtask id across all tasks, or 0.
func (d *Document) MaxSubtaskID() int {
	maxID := 0
	for i := range d.Todos {
		for j := range d.Todos[i].Subtasks {
			maxID = max(maxID, d.Todos[i].Subtasks[j].ID)
		}
	}

	return maxID
}

// SyncCounters raises NextID and NextSubtaskID above every existing id.
// Counters never decrease. Returns true if either counter changed.
func (d *Document) SyncCounters() bool {
	nextID := max(d.NextID, d.MaxTaskID()+1, 1)
	nextSub := max(d.NextSubtaskID, d.MaxSubtaskID()+1, 1)
	changed := nextID != d.NextID || nextSub != d.NextSubtaskID

	d.NextID = nextID
	d.NextSubtaskID = nextSub

	return changed
}

// AllocTaskID returns a fresh task id and advances the counter.
func (d *Document) AllocTaskID() int {
	d.SyncCounters()

	id := d.NextID
	d.NextID++

	return id
}

// AllocSubtaskID returns a fresh subtask id and advances the counter.
func (d *Document) AllocSubtaskID() int {
	d.SyncCounters()

	id := d.NextSubtaskID
	d.NextSubtaskID++

	return id
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := *d
	out.Todos = CloneTasks(d.Todos)
	out.Settings = cloneMap(d.Settings)
	out.LastSavedAt = cloneTimestamp(d.LastSavedAt)

	return &out
}

// CloneTasks returns a deep copy of tasks. Nil slices stay nil.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}

	out := make([]Task, len(tasks))
	for i := range tasks {
		task := tasks[i]
		task.CreatedAt = cloneTimestampValue(task.CreatedAt)
		task.DueDate = cloneTimestamp(task.DueDate)
		task.CompletedAt = cloneTimestamp(task.CompletedAt)

		if task.Subtasks != nil {
			subs := make([]SubTask, len(task.Subtasks))
			for j := range task.Subtasks {
				sub := task.Subtasks[j]
				sub.CreatedAt = cloneTimestampValue(sub.CreatedAt)
				sub.DueDate = cloneTimestamp(sub.DueDate)
				sub.CompletedAt = cloneTimestamp(sub.CompletedAt)
				subs[j] = sub
			}

			task.Subtasks = subs
		}

		out[i] = task
	}

	return out
}

func cloneTimestampValue(ts Timestamp) Timestamp {
	if ts.raw != nil {
		ts.raw = append(json.RawMessage(nil), ts.raw...)
	}

	return ts
}

func cloneTimestamp(ts *Timestamp) *Timestamp {
	if ts == nil {
		return nil
	}

	c := cloneTimestampValue(*ts)

	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}

		return out
	default:
		return val
	}
}
