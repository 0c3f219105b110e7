package migrate_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/migrate"
)

const v1Document = `{
	"todos": [
		{"id": 1, "title": "Buy milk", "created_at": "2023-06-01T08:00:00", "folder_path": "/home"},
		{"id": 2, "title": "Call mom", "created_at": "2023-06-02T08:00:00", "folder_path": "/home"}
	],
	"settings": {"notifications_enabled": false}
}`

func parse(t *testing.T, in string) document.Raw {
	t.Helper()

	raw, err := document.Parse([]byte(in))
	require.NoError(t, err)

	return raw
}

func encodeRaw(t *testing.T, raw document.Raw) string {
	t.Helper()

	data, err := json.MarshalIndent(raw, "", "  ")
	require.NoError(t, err)

	return string(data)
}

// Contract: a version 1 document gains every field later versions rely on
// and keeps the settings the user already had.
func Test_Run_Upgrades_Version_1_Document(t *testing.T) {
	t.Parallel()

	raw := parse(t, v1Document)

	res := migrate.Run(raw)

	assert.Equal(t, document.Version(1), res.From)
	assert.Equal(t, document.CurrentVersion, res.To)
	assert.Equal(t, []string{"due_dates", "save_metadata"}, res.Applied)

	doc, skipped, err := document.Decode(raw)
	require.NoError(t, err)
	require.Empty(t, skipped)

	assert.Equal(t, document.CurrentVersion, doc.Version)
	require.Len(t, doc.Todos, 2)

	for _, task := range doc.Todos {
		assert.Nil(t, task.DueDate)
		assert.Nil(t, task.CompletedAt)
		assert.True(t, task.Expanded)
		assert.NotNil(t, task.Subtasks)
		assert.Empty(t, task.Subtasks)
	}

	assert.Equal(t, 1, doc.NextID)
	assert.Equal(t, 1, doc.NextSubtaskID)
	assert.Equal(t, false, doc.Settings["notifications_enabled"])
	assert.Equal(t, true, doc.Settings["show_startup_notifications"])
	assert.Equal(t, "%Y-%m-%d %H:%M", doc.Settings["due_date_format"])
	assert.Contains(t, raw, "last_saved_at")
}

func Test_Run_Copies_Parent_Creation_Time_Into_Subtasks(t *testing.T) {
	t.Parallel()

	raw := parse(t, `{
		"data_version": "2.0",
		"todos": [{
			"id": 4, "title": "Trip", "created_at": "2024-02-02T10:00:00Z", "folder_path": "",
			"is_expanded": false, "due_date": null, "completed_at": null,
			"subtasks": [
				{"id": 9, "todo_id": 4, "title": "Tickets", "is_completed": false, "due_date": null, "completed_at": null},
				{"id": 10, "todo_id": 4, "title": "Hotel", "is_completed": false, "created_at": "2024-02-03T10:00:00Z", "due_date": null, "completed_at": null}
			]
		}],
		"next_id": 5, "next_subtask_id": 11, "settings": {}
	}`)

	res := migrate.Run(raw)
	assert.Equal(t, []string{"save_metadata"}, res.Applied)

	doc, _, err := document.Decode(raw)
	require.NoError(t, err)

	task := doc.Todos[0]
	assert.False(t, task.Expanded)
	assert.True(t, task.Subtasks[0].CreatedAt.Equal(task.CreatedAt))
	assert.False(t, task.Subtasks[1].CreatedAt.Equal(task.CreatedAt))
}

// Contract: migrating an already-current document changes nothing.
func Test_Run_Is_Idempotent(t *testing.T) {
	t.Parallel()

	raw := parse(t, v1Document)
	migrate.Run(raw)

	first := encodeRaw(t, raw)

	res := migrate.Run(raw)
	assert.False(t, res.Changed())

	assert.Equal(t, first, encodeRaw(t, raw))

	reparsed := parse(t, first)
	migrate.Run(reparsed)
	assert.Equal(t, first, encodeRaw(t, reparsed))
}

func Test_Run_Leaves_Newer_Versions_Alone(t *testing.T) {
	t.Parallel()

	in := `{"data_version": 7, "todos": [], "future_field": {"x": 1}}`
	raw := parse(t, in)

	res := migrate.Run(raw)

	assert.True(t, res.Newer())
	assert.False(t, res.Changed())
	assert.JSONEq(t, in, encodeRaw(t, raw))
}

func Test_Run_Treats_Unreadable_Version_As_1(t *testing.T) {
	t.Parallel()

	raw := parse(t, `{"data_version": "legacy", "todos": []}`)

	res := migrate.Run(raw)

	assert.Equal(t, document.Version(1), res.From)
	assert.Len(t, res.Notes, 1)
	assert.Len(t, res.Applied, 2)
}

func Test_Every_Step_Is_Idempotent_On_Its_Own(t *testing.T) {
	t.Parallel()

	for _, step := range migrate.Steps() {
		raw := parse(t, v1Document)
		step.Apply(raw)
		once := encodeRaw(t, raw)

		step.Apply(raw)
		assert.Equal(t, once, encodeRaw(t, raw), step.Name)
	}
}
