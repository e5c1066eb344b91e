package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	events := []Event{
		{EventType: TypeDetection, DiagramType: "mermaid", DetectionMethod: "fenced_block", ConversationID: "c1"},
		{EventType: TypeRenderStart, DiagramType: "mermaid", CodePreview: "graph TD", CodeLength: 8},
		{EventType: TypeRenderError, DiagramType: "d2", ErrorMessage: "parse failed"},
	}
	for _, ev := range events {
		if err := l.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%+v): %v", ev, err)
		}
	}

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].EventType != TypeRenderError || got[0].ErrorMessage != "parse failed" {
		t.Errorf("Recent[0] = %+v", got[0])
	}
	if got[2].EventType != TypeDetection || got[2].ConversationID != "c1" {
		t.Errorf("Recent[2] = %+v", got[2])
	}
	if got[0].CreatedAt.IsZero() {
		t.Errorf("created_at not populated")
	}
}

func TestRecentLimit(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, Event{EventType: TypeDetection, DiagramType: "d2"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent(2) returned %d events", len(got))
	}

	// Zero falls back to the default limit.
	got, err = l.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Recent(0) returned %d events, want all 5", len(got))
	}
}

func TestRecordValidation(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   Event
	}{
		{name: "unknown event type", ev: Event{EventType: "nonsense", DiagramType: "d2"}},
		{name: "unknown diagram type", ev: Event{EventType: TypeDetection, DiagramType: "plantuml"}},
		{name: "empty", ev: Event{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.Record(ctx, tt.ev); apperr.KindOf(err) != apperr.Validation {
				t.Errorf("Record kind = %v, want validation", apperr.KindOf(err))
			}
		})
	}

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("rejected events were inserted: %+v", got)
	}
}
