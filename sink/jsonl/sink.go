// Package jsonl is a reference Sink that appends every enriched event
// to a newline-delimited JSON file, per spec.md §6's "sinks may mirror
// events to JSONL at output_dir". Persistence failures here are the
// sink's concern, not the core's, per spec.md §7.
package jsonl

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mutwatch/mutwatch/serialize"
	"github.com/mutwatch/mutwatch/types"
)

// Sink appends one JSON line per event to outputDir/events.jsonl.
type Sink struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating if necessary) outputDir/events.jsonl for append.
func New(outputDir string) (*Sink, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("jsonl: create output dir: %w", err)
	}
	path := filepath.Join(outputDir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %s: %w", path, err)
	}
	return &Sink{file: f}, nil
}

// Handle implements enrich.Sink.
func (s *Sink) Handle(event types.EnrichedEvent) error {
	line, err := serialize.MarshalEnriched(event)
	if err != nil {
		return fmt.Errorf("jsonl: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("jsonl: write event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
