// Package sqlite is a reference Sink that persists enriched events to
// a SQLite database, grounded on the teacher's DB (database.go):
// WAL-mode open, explicit schema/index creation, parameterized
// inserts. Storing events in SQL is what makes the "SQL-style
// correlation" the teacher's Sigma detector performs over process
// events possible over mutation events too.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mutwatch/mutwatch/serialize"
	"github.com/mutwatch/mutwatch/types"
)

// Sink persists enriched events to outputDir/mutations.db.
type Sink struct {
	db *sql.DB
}

// New opens (creating and migrating if necessary) outputDir/mutations.db.
func New(outputDir string) (*Sink, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("sqlite: create output dir: %w", err)
	}

	path := filepath.Join(outputDir, "mutations.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &Sink{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       INTEGER NOT NULL,
		timestamp_ns   INTEGER NOT NULL,
		page_base      TEXT NOT NULL,
		fault_addr     TEXT NOT NULL,
		tid            INTEGER NOT NULL,
		symbol         TEXT,
		file           TEXT,
		line           INTEGER,
		scope          TEXT,
		variable_ids   TEXT,
		deltas         TEXT,
		sql_context_id TEXT,
		sql_table      TEXT,
		latency_ns     INTEGER
	);`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_mutations_page_base ON mutations(page_base);",
		"CREATE INDEX IF NOT EXISTS idx_mutations_timestamp ON mutations(timestamp_ns);",
		"CREATE INDEX IF NOT EXISTS idx_mutations_symbol ON mutations(symbol);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// Handle implements enrich.Sink.
func (s *Sink) Handle(event types.EnrichedEvent) error {
	variableIDs, err := json.Marshal(event.VariableIds)
	if err != nil {
		return fmt.Errorf("sqlite: marshal variable ids: %w", err)
	}

	deltaJSON, err := serialize.MarshalEnriched(event)
	if err != nil {
		return fmt.Errorf("sqlite: marshal deltas: %w", err)
	}

	var sqlContextID, sqlTable sql.NullString
	if event.SQLContext != nil {
		sqlContextID = sql.NullString{String: event.SQLContext.ContextID, Valid: true}
		sqlTable = sql.NullString{String: event.SQLContext.Table, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO mutations (
			event_id, timestamp_ns, page_base, fault_addr, tid,
			symbol, file, line, scope, variable_ids, deltas,
			sql_context_id, sql_table, latency_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.TimestampNs,
		fmt.Sprintf("0x%x", event.PageBase),
		fmt.Sprintf("0x%x", event.FaultAddr),
		event.TID,
		event.Symbol,
		event.File,
		event.Line,
		string(event.Scope),
		string(variableIDs),
		string(deltaJSON),
		sqlContextID,
		sqlTable,
		event.EnrichmentLatencyNs,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert event: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Sink) Close() error { return s.db.Close() }
