// Package migrate upgrades older document shapes to [document.CurrentVersion].
//
// Migration works on the raw, untyped document so it can see which fields
// are present. Each [Step] only adds fields that are missing, which makes
// every step idempotent: running [Run] on a current document changes nothing.
package migrate

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/calvinalkan/taskvault/internal/document"
)

const versionKey = "data_version"

// Step upgrades a raw document to version To.
type Step struct {
	Name  string
	To    document.Version
	Apply func(raw document.Raw)
}

// Result describes what [Run] did.
type Result struct {
	From    document.Version
	To      document.Version
	Applied []string
	// Notes lists non-fatal oddities, such as an unreadable version tag.
	Notes []string
}

// Changed reports whether any step ran.
func (r Result) Changed() bool { return len(r.Applied) > 0 }

// Newer reports whether the document is from a newer schema than this build knows.
func (r Result) Newer() bool { return r.From > document.CurrentVersion }

// Steps returns the ordered upgrade steps.
func Steps() []Step {
	return []Step{
		{Name: "due_dates", To: 2, Apply: addDueDates},
		{Name: "save_metadata", To: 3, Apply: addSaveMetadata},
	}
}

// Run upgrades raw in place and reports the applied steps.
//
// A document without a version tag is version 1. Documents newer than
// [document.CurrentVersion] are left as they are.
func Run(raw document.Raw) Result {
	var res Result

	from, err := document.ParseVersion(raw[versionKey])

	switch {
	case err != nil:
		res.Notes = append(res.Notes, fmt.Sprintf("unreadable %s %v treated as 1", versionKey, raw[versionKey]))
		from = 1
	case from < 1:
		from = 1
	}

	res.From = from
	res.To = from

	if from > document.CurrentVersion {
		return res
	}

	for _, step := range Steps() {
		if res.To >= step.To {
			continue
		}

		step.Apply(raw)

		res.To = step.To
		res.Applied = append(res.Applied, step.Name)
	}

	if res.Changed() {
		raw[versionKey] = number(int(res.To))
	}

	return res
}

// addDueDates introduces optional due/completion timestamps, the subtask
// list, the expanded flag, id counters and settings defaults.
func addDueDates(raw document.Raw) {
	for _, task := range objects(raw["todos"]) {
		setDefault(task, "due_date", nil)
		setDefault(task, "completed_at", nil)
		setDefault(task, "is_expanded", true)

		if _, ok := task["subtasks"].([]any); !ok {
			task["subtasks"] = []any{}
		}

		for _, sub := range objects(task["subtasks"]) {
			setDefault(sub, "due_date", nil)
			setDefault(sub, "completed_at", nil)
		}
	}

	setDefault(raw, "next_id", number(1))
	setDefault(raw, "next_subtask_id", number(1))

	settings := document.DefaultSettings()
	if existing, ok := raw["settings"].(map[string]any); ok {
		maps.Copy(settings, existing)
	}

	raw["settings"] = settings
}

// addSaveMetadata gives subtasks a creation time (their parent's, when
// missing) and adds the document's last-saved marker.
func addSaveMetadata(raw document.Raw) {
	for _, task := range objects(raw["todos"]) {
		setDefault(task, "folder_path", "")

		for _, sub := range objects(task["subtasks"]) {
			setDefault(sub, "created_at", task["created_at"])

			if _, ok := sub["todo_id"]; !ok {
				sub["todo_id"] = task["id"]
			}
		}
	}

	setDefault(raw, "last_saved_at", nil)
}

func setDefault(obj map[string]any, key string, value any) {
	if _, ok := obj[key]; !ok {
		obj[key] = value
	}
}

func objects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}

	return out
}

func number(n int) json.Number {
	return json.Number(strconv.Itoa(n))
}
