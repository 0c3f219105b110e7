package document

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrCorrupt reports bytes that are not a parseable document at all.
// Older or incomplete documents are not corrupt; migration handles those.
var ErrCorrupt = errors.New("document corrupt")

//go:embed envelope.schema.json
var envelopeSchemaJSON string

var envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchemaJSON)

// Raw is a parsed but not yet typed document. Numbers are [json.Number].
type Raw map[string]any

// Skipped describes a task entry that could not be decoded and was dropped.
type Skipped struct {
	Index  int
	Reason string
}

func (s Skipped) String() string {
	return fmt.Sprintf("todos[%d]: %s", s.Index, s.Reason)
}

// Parse decodes data into a [Raw] document and checks the envelope shape.
// Errors wrap [ErrCorrupt].
func Parse(data []byte) (Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrCorrupt)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %s, want object", ErrCorrupt, jsonKind(value))
	}

	if err := envelopeSchema.Validate(obj); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, schemaMessage(err))
	}

	return Raw(obj), nil
}

// Decode converts a raw document into a typed one. Task entries that fail to
// decode are dropped and reported; the rest of the document is kept.
func Decode(raw Raw) (*Document, []Skipped, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var wire struct {
		Version       Version           `json:"data_version"`
		Todos         []json.RawMessage `json:"todos"`
		NextID        *json.Number      `json:"next_id"`
		NextSubtaskID *json.Number      `json:"next_subtask_id"`
		Settings      map[string]any    `json:"settings"`
		LastSavedAt   *Timestamp        `json:"last_saved_at"`
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := dec.Decode(&wire); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	doc := &Document{
		Version:       wire.Version,
		Todos:         make([]Task, 0, len(wire.Todos)),
		NextID:        1,
		NextSubtaskID: 1,
		Settings:      wire.Settings,
		LastSavedAt:   wire.LastSavedAt,
	}

	if wire.NextID != nil {
		doc.NextID = counter(*wire.NextID)
	}

	if wire.NextSubtaskID != nil {
		doc.NextSubtaskID = counter(*wire.NextSubtaskID)
	}

	if doc.Settings == nil {
		doc.Settings = map[string]any{}
	}

	var skipped []Skipped

	for i, entry := range wire.Todos {
		trimmed := bytes.TrimSpace(entry)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			skipped = append(skipped, Skipped{Index: i, Reason: "entry is not an object"})

			continue
		}

		var task Task
		if err := json.Unmarshal(trimmed, &task); err != nil {
			skipped = append(skipped, Skipped{Index: i, Reason: err.Error()})

			continue
		}

		doc.Todos = append(doc.Todos, task)
	}

	return doc, skipped, nil
}

// Unmarshal parses and decodes data without migrating it.
func Unmarshal(data []byte) (*Document, []Skipped, error) {
	raw, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}

	return Decode(raw)
}

// Encode renders doc as indented JSON with a trailing newline.
// Nil collections are written as empty ones and absent optional fields as null.
func Encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(normalized(doc), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	return append(data, '\n'), nil
}

// CountRecords returns the number of task entries in an encoded document.
// It is the writer's cheap post-write check.
func CountRecords(data []byte) (int, error) {
	var probe struct {
		Todos []json.RawMessage `json:"todos"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if probe.Todos == nil {
		return 0, fmt.Errorf("%w: missing todos", ErrCorrupt)
	}

	return len(probe.Todos), nil
}

// Hash returns a hex sha256 over the document content that matters for
// change detection: tasks, counters and settings. Save metadata is excluded.
func Hash(doc *Document) (string, error) {
	n := normalized(doc)

	data, err := json.Marshal(struct {
		Todos         []Task         `json:"todos"`
		NextID        int            `json:"next_id"`
		NextSubtaskID int            `json:"next_subtask_id"`
		Settings      map[string]any `json:"settings"`
	}{n.Todos, n.NextID, n.NextSubtaskID, n.Settings})
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

func normalized(doc *Document) *Document {
	out := *doc

	out.Todos = make([]Task, len(doc.Todos))
	for i := range doc.Todos {
		task := doc.Todos[i]
		if task.Subtasks == nil {
			task.Subtasks = []SubTask{}
		}

		out.Todos[i] = task
	}

	if out.Settings == nil {
		out.Settings = map[string]any{}
	}

	return &out
}

// counter converts a stored id counter. Integral floats such as 3.0 are
// accepted; anything else, including values beyond the int range, yields 0
// so that Repair raises the counter and reports it.
func counter(n json.Number) int {
	if v, err := strconv.Atoi(n.String()); err == nil {
		return v
	}

	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0
	}

	return int(f)
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var msgs []string

	var walk func(*jsonschema.ValidationError)

	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}

			msgs = append(msgs, loc+": "+e.Message)

			return
		}

		for _, cause := range e.Causes {
			walk(cause)
		}
	}

	walk(ve)

	return strings.Join(msgs, "; ")
}
