// Package serialize renders FastPathEvent and EnrichedEvent into the
// wire JSON shapes spec.md §6 defines for sinks that pull the stream
// as text rather than receiving Go structs directly.
package serialize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mutwatch/mutwatch/types"
)

type fastPathWire struct {
	EventID     string `json:"event_id"`
	TimestampNs uint64 `json:"timestamp_ns"`
	IP          uint64 `json:"ip"`
	TID         uint64 `json:"tid"`
	PageBase    string `json:"page_base"`
}

type deltaWire struct {
	Offset int    `json:"offset"`
	Old    string `json:"old"`
	New    string `json:"new"`
}

type enrichedWire struct {
	fastPathWire
	Symbol       string      `json:"symbol"`
	File         string      `json:"file"`
	Line         int         `json:"line"`
	PreSnapshot  string      `json:"pre_snapshot"`
	PostSnapshot string      `json:"post_snapshot"`
	Deltas       []deltaWire `json:"deltas"`
	VariableIds  []string    `json:"variable_ids"`
	SQLContextID *string     `json:"sql_context_id"`
}

func toFastPathWire(event types.FastPathEvent) fastPathWire {
	return fastPathWire{
		EventID:     fmt.Sprintf("%d", event.EventID),
		TimestampNs: event.TimestampNs,
		IP:          event.IP,
		TID:         event.TID,
		PageBase:    fmt.Sprintf("0x%x", event.PageBase),
	}
}

// MarshalFastPath renders a FastPathEvent in the shape spec.md §6
// names: event_id (string), timestamp_ns/ip/tid (uint), page_base (hex
// string).
func MarshalFastPath(event types.FastPathEvent) ([]byte, error) {
	return json.Marshal(toFastPathWire(event))
}

// MarshalEnriched renders an EnrichedEvent, extending the FastPathEvent
// shape with symbol/file/line, base64 snapshots and deltas,
// variable_ids, and a nullable sql_context_id.
func MarshalEnriched(event types.EnrichedEvent) ([]byte, error) {
	deltas := make([]deltaWire, len(event.Deltas))
	for i, d := range event.Deltas {
		deltas[i] = deltaWire{
			Offset: d.Offset,
			Old:    base64.StdEncoding.EncodeToString(d.Old),
			New:    base64.StdEncoding.EncodeToString(d.New),
		}
	}

	ids := make([]string, len(event.VariableIds))
	for i, id := range event.VariableIds {
		ids[i] = string(id)
	}

	var sqlContextID *string
	if event.SQLContext != nil {
		id := event.SQLContext.ContextID
		sqlContextID = &id
	}

	wire := enrichedWire{
		fastPathWire: toFastPathWire(event.FastPathEvent),
		Symbol:       event.Symbol,
		File:         event.File,
		Line:         event.Line,
		PreSnapshot:  base64.StdEncoding.EncodeToString(event.PreImage),
		PostSnapshot: base64.StdEncoding.EncodeToString(event.PostImage),
		Deltas:       deltas,
		VariableIds:  ids,
		SQLContextID: sqlContextID,
	}
	return json.Marshal(wire)
}
