package document

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// strictLayouts are accepted when decoding. Zone-less layouts are read in
// local time, which is how older files stored naive timestamps.
var strictLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// lenientLayouts are additionally accepted by [ParseLenient] during repair.
var lenientLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
}

// Timestamp is a point in time as stored in a document.
//
// A Timestamp decoded from a value that is not a strictly formatted time
// keeps the raw JSON token instead of failing the whole document. Such a
// value reports Valid() == false until repair replaces it.
type Timestamp struct {
	t   time.Time
	raw json.RawMessage
}

// NewTimestamp returns a valid Timestamp for t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t}
}

// At returns a pointer to a valid Timestamp for t.
func At(t time.Time) *Timestamp {
	ts := NewTimestamp(t)

	return &ts
}

// InvalidTimestamp returns a Timestamp holding raw, a JSON token that is not
// a valid time. Used by tests and by callers that carry foreign values.
func InvalidTimestamp(raw string) Timestamp {
	return Timestamp{raw: json.RawMessage(raw)}
}

// Time returns the time value. It is the zero time for invalid timestamps.
func (ts Timestamp) Time() time.Time { return ts.t }

// Valid reports whether the timestamp holds a parsed time.
func (ts Timestamp) Valid() bool { return ts.raw == nil }

// IsZero reports whether the timestamp is valid and holds the zero time.
func (ts Timestamp) IsZero() bool { return ts.raw == nil && ts.t.IsZero() }

// Raw returns the original JSON token of an invalid timestamp, or nil.
func (ts Timestamp) Raw() json.RawMessage { return ts.raw }

// Equal reports whether both timestamps are valid and denote the same
// instant, or both are invalid with identical raw tokens.
func (ts Timestamp) Equal(other Timestamp) bool {
	if ts.Valid() != other.Valid() {
		return false
	}

	if !ts.Valid() {
		return bytes.Equal(ts.raw, other.raw)
	}

	return ts.t.Equal(other.t)
}

// String formats valid timestamps as RFC 3339 and returns the raw token otherwise.
func (ts Timestamp) String() string {
	if !ts.Valid() {
		return string(ts.raw)
	}

	return ts.t.Format(time.RFC3339Nano)
}

// MarshalJSON writes valid timestamps as RFC 3339 strings with nanoseconds.
// Invalid timestamps are written back unchanged.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if !ts.Valid() {
		return ts.raw, nil
	}

	return json.Marshal(ts.t.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts strictly formatted time strings. Any other value is
// kept raw and marks the timestamp invalid. JSON null yields the zero value.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*ts = Timestamp{}

		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if t, ok := parseWith(s, strictLayouts); ok {
			*ts = Timestamp{t: t}

			return nil
		}
	}

	*ts = Timestamp{raw: append(json.RawMessage(nil), trimmed...)}

	return nil
}

// ParseLenient converts a raw JSON token into a time. Strings in any strict
// or lenient layout and JSON numbers (unix seconds) are accepted.
func ParseLenient(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, ok := parseWith(s, strictLayouts); ok {
			return t, true
		}

		return parseWith(s, lenientLayouts)
	}

	secs, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return time.Time{}, false
	}

	whole, frac := math.Modf(secs)

	return time.Unix(int64(whole), int64(frac*1e9)), true
}

func parseWith(s string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		var (
			t   time.Time
			err error
		)

		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}

		if err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
