// Package sink composes multiple enrich.Sink implementations (jsonl,
// sqlite, the websocket dashboard) into one, so core.Options.Sink can
// still take a single value.
package sink

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mutwatch/mutwatch/enrich"
	"github.com/mutwatch/mutwatch/types"
)

// Fanout hands every event to each of its members in order, collecting
// (not short-circuiting on) failures.
type Fanout []enrich.Sink

// Handle implements enrich.Sink.
func (f Fanout) Handle(event types.EnrichedEvent) error {
	var errs []string
	for _, s := range f {
		if err := s.Handle(event); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("sink: %d of %d sinks failed: %s", len(errs), len(f), strings.Join(errs, "; "))
}

var _ enrich.Sink = Fanout(nil)

// Var is an enrich.Sink whose target can be set after core.New has
// already captured it. It exists for hosts (see cmd/mutwatchd) that
// need the sink to include a component, such as the websocket
// dashboard, that can only be built once core.Core itself exists —
// breaking what would otherwise be a construction cycle.
type Var struct {
	mu   sync.Mutex
	sink enrich.Sink
}

// Set installs the sink Handle delegates to. Safe to call once the
// pipeline is already running; Handle always sees the latest value.
func (v *Var) Set(s enrich.Sink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = s
}

// Handle implements enrich.Sink.
func (v *Var) Handle(event types.EnrichedEvent) error {
	v.mu.Lock()
	s := v.sink
	v.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Handle(event)
}

var _ enrich.Sink = &Var{}
