// Package events records diagram lifecycle events in a local SQLite database
// for after-the-fact debugging of the detection and render pipeline.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

// Event types accepted by the log.
const (
	TypeDetection     = "detection"
	TypeRenderStart   = "render_start"
	TypeRenderSuccess = "render_success"
	TypeRenderError   = "render_error"
)

var validTypes = map[string]bool{
	TypeDetection:     true,
	TypeRenderStart:   true,
	TypeRenderSuccess: true,
	TypeRenderError:   true,
}

var validDiagramTypes = map[string]bool{
	"mermaid": true,
	"d2":      true,
	"c4":      true,
}

// Event is one diagram lifecycle event.
type Event struct {
	ID              int64     `json:"id,omitempty"`
	EventType       string    `json:"event_type"`
	DiagramType     string    `json:"diagram_type"`
	CodePreview     string    `json:"code_preview,omitempty"`
	CodeLength      int       `json:"code_length,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	DetectionMethod string    `json:"detection_method,omitempty"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS diagram_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	diagram_type TEXT NOT NULL,
	code_preview TEXT NOT NULL DEFAULT '',
	code_length INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	detection_method TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_diagram_events_created_at ON diagram_events (created_at);
`

// Log is the SQLite-backed diagram event log.
type Log struct {
	db *sql.DB
}

// Open creates (or opens) the event database at path and ensures the schema.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record validates and inserts one event.
func (l *Log) Record(ctx context.Context, ev Event) error {
	if !validTypes[ev.EventType] {
		return apperr.Newf(apperr.Validation, "unknown event_type %q", ev.EventType)
	}
	if !validDiagramTypes[ev.DiagramType] {
		return apperr.Newf(apperr.Validation, "unknown diagram_type %q", ev.DiagramType)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO diagram_events
			(event_type, diagram_type, code_preview, code_length, error_message, detection_method, conversation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventType, ev.DiagramType, ev.CodePreview, ev.CodeLength,
		ev.ErrorMessage, ev.DetectionMethod, ev.ConversationID)
	if err != nil {
		return fmt.Errorf("insert diagram event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, diagram_type, code_preview, code_length,
		       error_message, detection_method, conversation_id, created_at
		FROM diagram_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query diagram events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.DiagramType, &ev.CodePreview,
			&ev.CodeLength, &ev.ErrorMessage, &ev.DetectionMethod,
			&ev.ConversationID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diagram event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
