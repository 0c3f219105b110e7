package exchange_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/taskvault/internal/document"
	"github.com/calvinalkan/taskvault/internal/exchange"
)

func sampleDoc() *document.Document {
	created := time.Date(2024, 2, 10, 9, 0, 0, 123000000, time.UTC)

	doc := document.New()
	doc.Settings["theme"] = "dark"
	doc.Settings["ratio"] = 1.5
	doc.Todos = []document.Task{
		{
			ID: 1, Title: "Plan trip", CreatedAt: document.NewTimestamp(created), FolderPath: "/trips/rome",
			Expanded: true, DueDate: document.At(created.Add(48 * time.Hour)),
			Subtasks: []document.SubTask{
				{ID: 1, TodoID: 1, Title: "Flights", Completed: true, CreatedAt: document.NewTimestamp(created), CompletedAt: document.At(created.Add(time.Hour))},
				{ID: 2, TodoID: 1, Title: "Hotel", CreatedAt: document.NewTimestamp(created), DueDate: document.At(created.Add(24 * time.Hour))},
			},
		},
		{ID: 2, Title: "Taxes", CreatedAt: document.NewTimestamp(created), Subtasks: []document.SubTask{}, CompletedAt: document.At(created)},
	}
	doc.NextID = 3
	doc.NextSubtaskID = 3

	return doc
}

func Test_FormatFor_Maps_Extensions(t *testing.T) {
	t.Parallel()

	cases := map[string]exchange.Format{
		"out.json":      exchange.FormatJSON,
		"OUT.JSON":      exchange.FormatJSON,
		"out.yaml":      exchange.FormatYAML,
		"out.yml":       exchange.FormatYAML,
		"dir/out.toml":  exchange.FormatTOML,
		"archive.x.yml": exchange.FormatYAML,
	}

	for path, want := range cases {
		got, err := exchange.FormatFor(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	for _, path := range []string{"out.csv", "out", "out.json.bak"} {
		_, err := exchange.FormatFor(path)
		require.ErrorIs(t, err, exchange.ErrUnsupportedFormat, path)
	}
}

// Contract: every format round-trips tasks, counters and settings.
func Test_Encode_Decode_Round_Trips_In_Every_Format(t *testing.T) {
	t.Parallel()

	exportedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, format := range []exchange.Format{exchange.FormatJSON, exchange.FormatYAML, exchange.FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()

			doc := sampleDoc()

			data, err := exchange.Encode(doc, format, exportedAt)
			require.NoError(t, err)

			raw, info, err := exchange.Decode(data, format)
			require.NoError(t, err)
			require.NotNil(t, info)
			assert.Equal(t, "3.0", info.Version)
			assert.True(t, info.ExportDate.Equal(exportedAt))
			assert.Equal(t, 2, info.TotalTodos)
			assert.Equal(t, 2, info.TotalSubtasks)
			assert.NotContains(t, raw, exchange.InfoKey)

			got, skipped, err := document.Decode(raw)
			require.NoError(t, err)
			require.Empty(t, skipped)

			if diff := cmp.Diff(doc.Todos, got.Todos); diff != "" {
				t.Fatalf("todos mismatch (-want +got):\n%s", diff)
			}

			assert.Equal(t, 3, got.NextID)
			assert.Equal(t, 3, got.NextSubtaskID)
			assert.Equal(t, "dark", got.Settings["theme"])
			assert.Equal(t, true, got.Settings["notifications_enabled"])
			assert.EqualValues(t, "24", got.Settings["urgent_threshold_hours"])
		})
	}
}

func Test_Encode_TOML_Omits_Nulls(t *testing.T) {
	t.Parallel()

	data, err := exchange.Encode(sampleDoc(), exchange.FormatTOML, time.Now())
	require.NoError(t, err)

	text := string(data)
	assert.NotContains(t, text, "last_saved_at")
	assert.Contains(t, text, "[[todos]]")
	assert.Contains(t, text, "[[todos.subtasks]]")
	assert.Contains(t, text, "[export_info]")
}

func Test_Decode_Accepts_Plain_Documents(t *testing.T) {
	t.Parallel()

	in := `{"data_version": 3, "todos": [{"id": 7, "title": "x", "created_at": "2024-01-01T00:00:00Z", "subtasks": []}], "next_id": 8, "next_subtask_id": 1, "settings": {}}`

	raw, info, err := exchange.Decode([]byte(in), exchange.FormatJSON)
	require.NoError(t, err)
	assert.Nil(t, info)

	doc, _, err := document.Decode(raw)
	require.NoError(t, err)
	require.Len(t, doc.Todos, 1)
	assert.Equal(t, 7, doc.Todos[0].ID)

	yamlIn := "todos:\n  - id: 4\n    title: from yaml\n    created_at: 2024-01-01T00:00:00Z\n"

	raw, info, err = exchange.Decode([]byte(yamlIn), exchange.FormatYAML)
	require.NoError(t, err)
	assert.Nil(t, info)

	doc, _, err = document.Decode(raw)
	require.NoError(t, err)
	require.Len(t, doc.Todos, 1)
	assert.Equal(t, "from yaml", doc.Todos[0].Title)
	assert.True(t, doc.Todos[0].CreatedAt.Valid())
}

func Test_Decode_Rejects_Garbage(t *testing.T) {
	t.Parallel()

	cases := map[exchange.Format]string{
		exchange.FormatJSON: `{"todos": [`,
		exchange.FormatYAML: "todos: [unclosed",
		exchange.FormatTOML: "todos = [[",
	}

	for format, in := range cases {
		_, _, err := exchange.Decode([]byte(in), format)
		require.ErrorIs(t, err, document.ErrCorrupt, string(format))
	}

	_, _, err := exchange.Decode([]byte(`{"no_todos": true}`), exchange.FormatJSON)
	require.ErrorIs(t, err, document.ErrCorrupt)

	_, _, err = exchange.Decode([]byte(`x`), exchange.Format("csv"))
	require.ErrorIs(t, err, exchange.ErrUnsupportedFormat)
}

func Test_Encode_JSON_Ends_With_Newline(t *testing.T) {
	t.Parallel()

	data, err := exchange.Encode(document.New(), exchange.FormatJSON, time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))
	assert.Contains(t, string(data), `"total_todos": 0`)
}
