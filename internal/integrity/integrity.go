// Package integrity checks and repairs the structural rules of a task document.
//
// [Repair] is deterministic: the same input always produces the same output
// and the same list of fixes. [Validate] runs the same rules on a copy and
// reports what Repair would change without touching the caller's document.
package integrity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/calvinalkan/taskvault/internal/document"
)

// ErrValidation wraps every issue returned by [Report.Err].
var ErrValidation = errors.New("validation failed")

// UntitledTitle replaces empty task and subtask titles.
const UntitledTitle = "Untitled"

// FixKind classifies a repair.
type FixKind string

// Fix kinds, in the order Repair applies them.
const (
	FixTaskID     FixKind = "task_id"
	FixParentID   FixKind = "parent_id"
	FixSubtaskID  FixKind = "subtask_id"
	FixTimestamp  FixKind = "timestamp"
	FixCompletion FixKind = "completion"
	FixTitle      FixKind = "title"
	FixCounter    FixKind = "counter"
)

// Fix is one change made by [Repair]. SubtaskID is 0 for task-level fixes.
type Fix struct {
	Kind      FixKind
	TaskID    int
	SubtaskID int
	Detail    string
}

func (f Fix) String() string {
	switch {
	case f.SubtaskID != 0:
		return fmt.Sprintf("%s: task %d subtask %d: %s", f.Kind, f.TaskID, f.SubtaskID, f.Detail)
	case f.TaskID != 0:
		return fmt.Sprintf("%s: task %d: %s", f.Kind, f.TaskID, f.Detail)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
}

// Statistics summarizes a document.
type Statistics struct {
	Tasks             int
	Subtasks          int
	CompletedTasks    int
	CompletedSubtasks int
	TasksWithDueDate  int
	SubtasksWithDue   int
}

// Report is the outcome of [Validate] or [Repair].
type Report struct {
	Valid      bool
	Issues     []string
	Warnings   []string
	Fixes      []Fix
	Statistics Statistics
}

// Err returns nil for a valid report, otherwise every issue joined and
// wrapped in [ErrValidation].
func (r Report) Err() error {
	if len(r.Issues) == 0 {
		return nil
	}

	errs := make([]error, 0, len(r.Issues))
	for _, issue := range r.Issues {
		errs = append(errs, fmt.Errorf("%w: %s", ErrValidation, issue))
	}

	return errors.Join(errs...)
}

// Log writes every fix at warn level and every warning at info level.
func (r Report) Log(logger *log.Logger) {
	if logger == nil {
		return
	}

	for _, fix := range r.Fixes {
		logger.Warn("repaired", "kind", fix.Kind, "task", fix.TaskID, "subtask", fix.SubtaskID, "detail", fix.Detail)
	}

	for _, warning := range r.Warnings {
		logger.Info("integrity warning", "detail", warning)
	}
}

// Validate reports the rule violations in doc without modifying it. now
// plays the same role as in [Repair].
func Validate(doc *document.Document, now time.Time) Report {
	repaired := Repair(doc.Clone(), now)

	report := Report{
		Warnings:   repaired.Warnings,
		Statistics: statistics(doc),
	}

	for _, fix := range repaired.Fixes {
		report.Issues = append(report.Issues, fix.String())
	}

	report.Valid = len(report.Issues) == 0

	return report
}

// Repair fixes doc in place and returns the fixes it applied. now is used for
// timestamps that have to be invented.
func Repair(doc *document.Document, now time.Time) Report {
	r := repairer{doc: doc, now: now}

	r.taskIDs()
	r.parentIDs()
	r.subtaskIDs()
	r.timestamps()
	r.completion()
	r.titles()
	r.counters()

	report := Report{
		Valid:      true,
		Fixes:      r.fixes,
		Warnings:   dueDateWarnings(doc),
		Statistics: statistics(doc),
	}

	return report
}

type repairer struct {
	doc   *document.Document
	now   time.Time
	fixes []Fix
}

func (r *repairer) fix(kind FixKind, taskID, subtaskID int, format string, args ...any) {
	r.fixes = append(r.fixes, Fix{
		Kind:      kind,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Detail:    fmt.Sprintf(format, args...),
	})
}

// taskIDs keeps the first task with a given positive id and moves every
// later duplicate, and every non-positive id, to max(ids)+1 in order.
func (r *repairer) taskIDs() {
	next := r.doc.MaxTaskID()
	seen := make(map[int]bool, len(r.doc.Todos))

	for i := range r.doc.Todos {
		task := &r.doc.Todos[i]

		if task.ID > 0 && !seen[task.ID] {
			seen[task.ID] = true

			continue
		}

		next++

		reason := "duplicate"
		if task.ID <= 0 {
			reason = "non-positive"
		}

		r.fix(FixTaskID, next, 0, "%s id %d reassigned to %d", reason, task.ID, next)

		task.ID = next
		seen[next] = true
	}
}

func (r *repairer) parentIDs() {
	for i := range r.doc.Todos {
		task := &r.doc.Todos[i]

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]
			if sub.TodoID == task.ID {
				continue
			}

			r.fix(FixParentID, task.ID, sub.ID, "todo_id %d set to %d", sub.TodoID, task.ID)
			sub.TodoID = task.ID
		}
	}
}

// subtaskIDs makes ids unique within each task. Replacement ids come from
// the document-wide maximum so they never collide with another task's.
func (r *repairer) subtaskIDs() {
	next := r.doc.MaxSubtaskID()

	for i := range r.doc.Todos {
		task := &r.doc.Todos[i]
		seen := make(map[int]bool, len(task.Subtasks))

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]

			if sub.ID > 0 && !seen[sub.ID] {
				seen[sub.ID] = true

				continue
			}

			next++

			r.fix(FixSubtaskID, task.ID, next, "subtask id %d reassigned to %d", sub.ID, next)

			sub.ID = next
			seen[next] = true
		}
	}
}

func (r *repairer) timestamps() {
	if ts := r.doc.LastSavedAt; ts != nil && !ts.Valid() {
		r.doc.LastSavedAt = r.coerceOptional(ts, 0, 0, "last_saved_at")
	}

	for i := range r.doc.Todos {
		task := &r.doc.Todos[i]

		task.CreatedAt = r.coerceRequired(task.CreatedAt, document.NewTimestamp(r.now), task.ID, 0)
		task.DueDate = r.coerceOptional(task.DueDate, task.ID, 0, "due_date")
		task.CompletedAt = r.coerceOptional(task.CompletedAt, task.ID, 0, "completed_at")

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]

			sub.CreatedAt = r.coerceRequired(sub.CreatedAt, task.CreatedAt, task.ID, sub.ID)
			sub.DueDate = r.coerceOptional(sub.DueDate, task.ID, sub.ID, "due_date")
			sub.CompletedAt = r.coerceOptional(sub.CompletedAt, task.ID, sub.ID, "completed_at")
		}
	}
}

// coerceRequired converts an invalid created_at, or fills a missing one
// with fallback.
func (r *repairer) coerceRequired(ts, fallback document.Timestamp, taskID, subtaskID int) document.Timestamp {
	if ts.Valid() && !ts.IsZero() {
		return ts
	}

	if !ts.Valid() {
		if t, ok := document.ParseLenient(ts.Raw()); ok {
			r.fix(FixTimestamp, taskID, subtaskID, "created_at %s converted to %s", ts.Raw(), t.Format(time.RFC3339))

			return document.NewTimestamp(t)
		}

		r.fix(FixTimestamp, taskID, subtaskID, "unparseable created_at %s replaced", ts.Raw())
	} else {
		r.fix(FixTimestamp, taskID, subtaskID, "missing created_at filled")
	}

	return fallback
}

func (r *repairer) coerceOptional(ts *document.Timestamp, taskID, subtaskID int, field string) *document.Timestamp {
	if ts == nil || ts.Valid() {
		return ts
	}

	if t, ok := document.ParseLenient(ts.Raw()); ok {
		r.fix(FixTimestamp, taskID, subtaskID, "%s %s converted to %s", field, ts.Raw(), t.Format(time.RFC3339))

		return document.At(t)
	}

	r.fix(FixTimestamp, taskID, subtaskID, "unparseable %s %s dropped", field, ts.Raw())

	return nil
}

func (r *repairer) completion() {
	for i := range r.doc.Todos {
		task := &r.doc.Todos[i]

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]

			switch {
			case sub.Completed && sub.CompletedAt == nil:
				sub.CompletedAt = document.At(r.now)
				r.fix(FixCompletion, task.ID, sub.ID, "completed without completed_at, set to now")
			case !sub.Completed && sub.CompletedAt != nil:
				sub.CompletedAt = nil
				r.fix(FixCompletion, task.ID, sub.ID, "open with completed_at, cleared")
			}
		}

		if len(task.Subtasks) == 0 {
			continue
		}

		done := task.IsComplete()

		switch {
		case done && task.CompletedAt == nil:
			task.CompletedAt = document.At(r.now)
			r.fix(FixCompletion, task.ID, 0, "all subtasks completed without completed_at, set to now")
		case !done && task.CompletedAt != nil:
			task.CompletedAt = nil
			r.fix(FixCompletion, task.ID, 0, "open subtasks with completed_at, cleared")
		}
	}
}

func (r *repairer) titles() {
	for i := range r.doc.Todos {
		task := &r.doc.Todos[i]

		if strings.TrimSpace(task.Title) == "" {
			task.Title = UntitledTitle
			r.fix(FixTitle, task.ID, 0, "empty title replaced")
		}

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]
			if strings.TrimSpace(sub.Title) == "" {
				sub.Title = UntitledTitle
				r.fix(FixTitle, task.ID, sub.ID, "empty title replaced")
			}
		}
	}
}

func (r *repairer) counters() {
	nextID, nextSub := r.doc.NextID, r.doc.NextSubtaskID
	if !r.doc.SyncCounters() {
		return
	}

	if nextID != r.doc.NextID {
		r.fix(FixCounter, 0, 0, "next_id %d raised to %d", nextID, r.doc.NextID)
	}

	if nextSub != r.doc.NextSubtaskID {
		r.fix(FixCounter, 0, 0, "next_subtask_id %d raised to %d", nextSub, r.doc.NextSubtaskID)
	}
}

// dueDateWarnings flags subtasks due after their parent. This is a soft
// rule and is never repaired.
func dueDateWarnings(doc *document.Document) []string {
	var warnings []string

	for i := range doc.Todos {
		task := &doc.Todos[i]
		if task.DueDate == nil || !task.DueDate.Valid() {
			continue
		}

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]
			if sub.DueDate == nil || !sub.DueDate.Valid() {
				continue
			}

			if sub.DueDate.Time().After(task.DueDate.Time()) {
				warnings = append(warnings, fmt.Sprintf(
					"task %d subtask %d is due %s, after its task (%s)",
					task.ID, sub.ID, sub.DueDate, task.DueDate,
				))
			}
		}
	}

	return warnings
}

func statistics(doc *document.Document) Statistics {
	var stats Statistics

	for i := range doc.Todos {
		task := &doc.Todos[i]

		stats.Tasks++

		if task.IsComplete() {
			stats.CompletedTasks++
		}

		if task.DueDate != nil {
			stats.TasksWithDueDate++
		}

		for j := range task.Subtasks {
			sub := &task.Subtasks[j]

			stats.Subtasks++

			if sub.Completed {
				stats.CompletedSubtasks++
			}

			if sub.DueDate != nil {
				stats.SubtasksWithDue++
			}
		}
	}

	return stats
}
