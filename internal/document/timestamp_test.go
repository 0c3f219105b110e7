package document_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/taskvault/internal/document"
)

func Test_Timestamp_Decodes_RFC3339_And_Naive_Local_Times(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"utc", `"2024-03-01T10:00:00Z"`, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"offset", `"2024-03-01T12:00:00+02:00"`, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"fraction", `"2024-03-01T10:00:00.123456Z"`, time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)},
		{"naive", `"2024-03-01T10:00:00"`, time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)},
		{"naive_micro", `"2024-03-01T10:00:00.5"`, time.Date(2024, 3, 1, 10, 0, 0, 5e8, time.Local)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var ts document.Timestamp
			require.NoError(t, json.Unmarshal([]byte(tc.in), &ts))
			require.True(t, ts.Valid())
			assert.True(t, tc.want.Equal(ts.Time()), "got %s want %s", ts.Time(), tc.want)
		})
	}
}

// Contract: values that are not strict timestamps survive a decode/encode
// cycle byte for byte, so nothing is lost before repair looks at them.
func Test_Timestamp_Keeps_Invalid_Values_Raw(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`"yesterday"`, `"2024-03-01 10:00"`, `1700000000`, `true`, `{"a":1}`} {
		var ts document.Timestamp
		require.NoError(t, json.Unmarshal([]byte(in), &ts))
		require.False(t, ts.Valid(), in)
		assert.Equal(t, in, string(ts.Raw()))

		out, err := json.Marshal(ts)
		require.NoError(t, err)
		assert.JSONEq(t, in, string(out))
	}
}

func Test_Timestamp_Null_Is_Zero_And_Pointer_Stays_Nil(t *testing.T) {
	t.Parallel()

	var holder struct {
		At *document.Timestamp `json:"at"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"at":null}`), &holder))
	assert.Nil(t, holder.At)

	var ts document.Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
}

func Test_Timestamp_Equal_Compares_Instants_And_Raw_Tokens(t *testing.T) {
	t.Parallel()

	utc := document.NewTimestamp(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	shifted := document.NewTimestamp(time.Date(2024, 1, 1, 13, 0, 0, 0, time.FixedZone("x", 3600)))

	assert.True(t, utc.Equal(shifted))
	assert.True(t, document.InvalidTimestamp(`"x"`).Equal(document.InvalidTimestamp(`"x"`)))
	assert.False(t, document.InvalidTimestamp(`"x"`).Equal(document.InvalidTimestamp(`"y"`)))
	assert.False(t, utc.Equal(document.InvalidTimestamp(`"x"`)))
}

func Test_ParseLenient_Accepts_Common_Layouts_And_Unix_Seconds(t *testing.T) {
	t.Parallel()

	ok := map[string]time.Time{
		`"2024-03-01T10:00:00Z"`: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2024-03-01 10:00"`:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local),
		`"2024-03-01"`:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local),
		`"2024/03/01 10:00:00"`:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local),
		`1700000000`:             time.Unix(1700000000, 0),
	}

	for in, want := range ok {
		got, parsed := document.ParseLenient(json.RawMessage(in))
		require.True(t, parsed, in)
		assert.True(t, want.Equal(got), "%s: got %s want %s", in, got, want)
	}

	for _, in := range []string{`"soon"`, `-5`, `0`, `true`, `null`, `[]`} {
		_, parsed := document.ParseLenient(json.RawMessage(in))
		assert.False(t, parsed, in)
	}
}
