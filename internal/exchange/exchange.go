// Package exchange converts documents to and from portable export files.
//
// An export is the document plus an "export_info" header. JSON, YAML and TOML
// are supported, chosen by file extension. Imports accept both exports and
// plain documents; the result is a raw document ready for migration.
package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/taskvault/internal/document"
)

// ErrUnsupportedFormat is returned for file extensions with no codec.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// InfoKey is the top-level key holding the export header.
const InfoKey = "export_info"

// Format is an export encoding.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from path's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q (want .json, .yaml, .yml or .toml)", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Info is the export header.
type Info struct {
	Version       string    `json:"version"`
	ExportDate    time.Time `json:"export_date"`
	TotalTodos    int       `json:"total_todos"`
	TotalSubtasks int       `json:"total_subtasks"`
}

// Encode renders doc as an export in the given format.
func Encode(doc *document.Document, format Format, now time.Time) ([]byte, error) {
	data, err := document.Encode(doc)
	if err != nil {
		return nil, err
	}

	tree, err := document.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	tree[InfoKey] = map[string]any{
		"version":        fmt.Sprintf("%d.0", doc.Version),
		"export_date":    now.Format(time.RFC3339Nano),
		"total_todos":    len(doc.Todos),
		"total_subtasks": doc.SubtaskCount(),
	}

	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(map[string]any(tree), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export json: %w", err)
		}

		return append(out, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer

		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)

		if err := enc.Encode(plain(map[string]any(tree), false)); err != nil {
			return nil, fmt.Errorf("export yaml: %w", err)
		}

		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("export yaml: %w", err)
		}

		return buf.Bytes(), nil
	case FormatTOML:
		var buf bytes.Buffer

		// TOML has no null; absent keys decode back to null.
		if err := toml.NewEncoder(&buf).Encode(plain(map[string]any(tree), true)); err != nil {
			return nil, fmt.Errorf("export toml: %w", err)
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Decode parses an export or plain document. The header, if any, is removed
// from the returned document and returned separately.
func Decode(data []byte, format Format) (document.Raw, *Info, error) {
	var tree any

	switch format {
	case FormatJSON:
		tree = json.RawMessage(data)
	case FormatYAML:
		var v map[string]any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, nil, fmt.Errorf("%w: yaml: %w", document.ErrCorrupt, err)
		}

		tree = v
	case FormatTOML:
		var v map[string]any
		if _, err := toml.Decode(string(data), &v); err != nil {
			return nil, nil, fmt.Errorf("%w: toml: %w", document.ErrCorrupt, err)
		}

		tree = v
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	canonical, err := json.Marshal(tree)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", document.ErrCorrupt, err)
	}

	raw, err := document.Parse(canonical)
	if err != nil {
		return nil, nil, err
	}

	header, ok := raw[InfoKey]
	if !ok {
		return raw, nil, nil
	}

	delete(raw, InfoKey)

	info, err := decodeInfo(header)
	if err != nil {
		return nil, nil, err
	}

	return raw, info, nil
}

func decodeInfo(header any) (*Info, error) {
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", document.ErrCorrupt, InfoKey, err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", document.ErrCorrupt, InfoKey, err)
	}

	return &info, nil
}

// plain converts a JSON tree into values YAML and TOML encoders understand:
// [json.Number] becomes int64 or float64 and non-empty lists of objects
// become []map[string]any (TOML arrays of tables). With dropNulls, nil map
// values are removed.
func plain(v any, dropNulls bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil && dropNulls {
				continue
			}

			out[k] = plain(item, dropNulls)
		}

		return out
	case []any:
		if tables, ok := tableArray(val, dropNulls); ok {
			return tables
		}

		out := make([]any, len(val))
		for i := range val {
			out[i] = plain(val[i], dropNulls)
		}

		return out
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}

		f, err := val.Float64()
		if err != nil {
			return val.String()
		}

		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}

		return f
	default:
		return val
	}
}

func tableArray(list []any, dropNulls bool) ([]map[string]any, bool) {
	if len(list) == 0 {
		return nil, false
	}

	out := make([]map[string]any, len(list))

	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}

		out[i], _ = plain(obj, dropNulls).(map[string]any)
	}

	return out, true
}
