package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mutwatch/mutwatch/types"
)

func TestSink_AppendsOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Handle(types.EnrichedEvent{FastPathEvent: types.FastPathEvent{EventID: 1}}))
	require.NoError(t, s.Handle(types.EnrichedEvent{FastPathEvent: types.FastPathEvent{EventID: 2}}))
	require.NoError(t, s.Close())

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	require.Equal(t, "1", decoded["event_id"])
}
