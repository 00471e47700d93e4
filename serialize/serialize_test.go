package serialize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mutwatch/mutwatch/types"
)

func TestMarshalFastPath_Shape(t *testing.T) {
	event := types.FastPathEvent{EventID: 42, TimestampNs: 1000, IP: 0xdead, TID: 7, PageBase: 0x7f0000}

	raw, err := MarshalFastPath(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "42", decoded["event_id"])
	require.Equal(t, "0x7f0000", decoded["page_base"])
	require.Equal(t, float64(1000), decoded["timestamp_ns"])
}

func TestMarshalEnriched_Shape(t *testing.T) {
	event := types.EnrichedEvent{
		FastPathEvent: types.FastPathEvent{EventID: 1, PageBase: 0x1000},
		Symbol:        "main.foo",
		File:          "foo.go",
		Line:          7,
		PreImage:      []byte{0x00},
		PostImage:     []byte{0xFF},
		Deltas:        []types.Delta{{Offset: 0, Old: []byte{0x00}, New: []byte{0xFF}}},
		VariableIds:   []types.VariableId{"id-1"},
		SQLContext:    &types.SQLContext{ContextID: "ctx-1"},
	}

	raw, err := MarshalEnriched(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "main.foo", decoded["symbol"])
	require.Equal(t, "ctx-1", decoded["sql_context_id"])
	deltas := decoded["deltas"].([]any)
	require.Len(t, deltas, 1)
	first := deltas[0].(map[string]any)
	require.Equal(t, "AA==", first["old"])
	require.Equal(t, "/w==", first["new"])
}

func TestMarshalEnriched_NilSQLContextIsNull(t *testing.T) {
	raw, err := MarshalEnriched(types.EnrichedEvent{})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Nil(t, decoded["sql_context_id"])
	require.Equal(t, []any{}, decoded["variable_ids"])
	require.Equal(t, []any{}, decoded["deltas"])
}
