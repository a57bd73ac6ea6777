package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-grounding/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: ModeEphemeral}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, "s1", "call.started", nil); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: ModeSession}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "session-123"
	if err := es.Record(ctx, sessionID, "call.connecting", map[string]string{"patient_id": "patient_001"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, sessionID, "silence.prompt", map[string]any{"level": 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != "call.connecting" {
		t.Fatalf("unexpected events %+v", events)
	}
	var payload map[string]int
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil || payload["level"] != 1 {
		t.Fatalf("unexpected payload %s (%v)", events[1].Payload, err)
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].PatientID != "patient_001" || sessions[0].Events != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: ModePersistent, RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "old-session", "call.started", nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "new-session", "call.started", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, _ := es.ListSessions(ctx, 10)
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}
