// Package correlate is an external collaborator (not part of the
// core's own operation surface, per spec.md §1): a Sigma-rule
// detector that watches dequeued EnrichedEvents for suspicious
// mutation patterns, grounded on the teacher's sigma.Detector
// (sigma/sigma.go), which does the same against process-creation
// events.
package correlate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/mutwatch/mutwatch/types"
)

// Match is a rule that fired against a dequeued event.
type Match struct {
	RuleID    string
	RuleTitle string
	Fields    []string
}

// fieldMappings names the EnrichedEvent-derived field names a Sigma
// rule's detection block may reference, mirroring the teacher's
// createHardcodedConfig but against mutation fields instead of
// process-creation fields.
func fieldMappings() sigma.Config {
	return sigma.Config{
		Title: "mutwatch correlation config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Symbol":      {TargetNames: []string{"Symbol"}},
			"File":        {TargetNames: []string{"File"}},
			"VariableId":  {TargetNames: []string{"VariableId"}},
			"PageBase":    {TargetNames: []string{"PageBase"}},
			"Scope":       {TargetNames: []string{"Scope"}},
			"SQLTable":    {TargetNames: []string{"SQLTable"}},
			"SQLQuery":    {TargetNames: []string{"SQLQuery"}},
		},
	}
}

// Detector loads Sigma rules from RulesDir/enabled_rules, re-evaluates
// them against every event passed to CheckEvent, and reloads its
// evaluator set whenever a rule file changes.
type Detector struct {
	rulesDir string

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDetector creates a Detector rooted at rulesDir, loads every rule
// under rulesDir/enabled_rules, and starts watching that directory for
// changes.
func NewDetector(rulesDir string) (*Detector, error) {
	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0755); err != nil {
		return nil, fmt.Errorf("correlate: create rules directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("correlate: create file watcher: %w", err)
	}
	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("correlate: watch %s: %w", enabledDir, err)
	}

	d := &Detector{
		rulesDir:   rulesDir,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		watcher:    watcher,
		done:       make(chan struct{}),
	}

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("correlate: load rules: %w", err)
	}

	go d.watchFileChanges()
	return d, nil
}

func (d *Detector) watchFileChanges() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if err := d.LoadRules(); err != nil {
				log.Printf("correlate: reload rules after %s: %v", event.Name, err)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("correlate: file watcher error: %v", err)
		}
	}
}

// LoadRules re-reads every .yml/.yaml file under rulesDir/enabled_rules
// and replaces the evaluator set atomically.
func (d *Detector) LoadRules() error {
	enabledDir := filepath.Join(d.rulesDir, "enabled_rules")
	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	fresh := make(map[string]*evaluator.RuleEvaluator)
	config := fieldMappings()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(enabledDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			log.Printf("correlate: read %s: %v", path, err)
			continue
		}
		if sigma.InferFileType(content) != sigma.RuleFile {
			continue
		}
		rule, err := sigma.ParseRule(content)
		if err != nil {
			log.Printf("correlate: parse %s: %v", path, err)
			continue
		}
		fresh[rule.ID] = evaluator.ForRule(rule, evaluator.WithConfig(config))
	}

	d.mu.Lock()
	d.evaluators = fresh
	d.mu.Unlock()
	return nil
}

// CheckEvent evaluates event against every loaded rule and returns the
// matches.
func (d *Detector) CheckEvent(ctx context.Context, event types.EnrichedEvent) []Match {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fields := toFields(event)
	var matches []Match
	for id, ruleEvaluator := range d.evaluators {
		result, err := ruleEvaluator.Matches(ctx, fields)
		if err != nil {
			log.Printf("correlate: evaluate rule %s: %v", id, err)
			continue
		}
		if !result.Match {
			continue
		}
		var hit []string
		for k, matched := range result.SearchResults {
			if matched {
				hit = append(hit, k)
			}
		}
		matches = append(matches, Match{RuleID: id, RuleTitle: ruleEvaluator.Rule.Title, Fields: hit})
	}
	return matches
}

// toFields adapts an EnrichedEvent into the generic map Sigma rule
// evaluation expects.
func toFields(event types.EnrichedEvent) map[string]any {
	fields := map[string]any{
		"Symbol":   event.Symbol,
		"File":     event.File,
		"PageBase": fmt.Sprintf("0x%x", event.PageBase),
		"Scope":    string(event.Scope),
	}
	if len(event.VariableIds) > 0 {
		fields["VariableId"] = string(event.VariableIds[0])
	}
	if event.SQLContext != nil {
		fields["SQLTable"] = event.SQLContext.Table
		fields["SQLQuery"] = event.SQLContext.Query
	}
	return fields
}

// Sink wraps another Sink, running every event through a Detector
// before forwarding it, and logging whatever matches.
type Sink struct {
	Detector *Detector
	Next     interface {
		Handle(types.EnrichedEvent) error
	}
}

// Handle implements enrich.Sink.
func (s Sink) Handle(event types.EnrichedEvent) error {
	for _, match := range s.Detector.CheckEvent(context.Background(), event) {
		log.Printf("correlate: event %d matched rule %s (%s): %v", event.EventID, match.RuleID, match.RuleTitle, match.Fields)
	}
	if s.Next == nil {
		return nil
	}
	return s.Next.Handle(event)
}

// Close stops the file watcher.
func (d *Detector) Close() error {
	close(d.done)
	return d.watcher.Close()
}
