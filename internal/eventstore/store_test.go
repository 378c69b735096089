package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralKeepsEntriesInMemory(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{RetentionMode: "ephemeral"}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	if err := js.AppendSynthesis(ctx, Synthesis{RequestID: "r1", VoiceKey: "fa_IR-mana-medium", Format: "file", Status: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	recs, err := js.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].RequestID != "r1" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestAppendAndListPersistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal", "tts.db")
	cfg := config.JournalConfig{Path: path, RetentionMode: "persistent"}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.AppendSynthesis(ctx, Synthesis{RequestID: "older", VoiceKey: "a", Format: "file", Status: "ok", AudioDuration: 1200}); err != nil {
		t.Fatalf("append: %v", err)
	}
	js.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if err := js.AppendSynthesis(ctx, Synthesis{RequestID: "newer", VoiceKey: "b", Format: "stream", Status: "voice_not_found", Stage: "resolving", Error: "Voice 'b' not found"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := js.Close(); err != nil {
		t.Fatal(err)
	}

	js, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	recs, err := js.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after reopen, got %d", len(recs))
	}
	if recs[0].RequestID != "newer" || recs[0].Stage != "resolving" || recs[0].Error == "" {
		t.Fatalf("unexpected newest record %+v", recs[0])
	}
	if recs[1].AudioDuration != 1200 || !recs[1].CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected oldest record %+v", recs[1])
	}
}

func TestPruneByDaysAndEntries(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "tts.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEntries: 2}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.AppendSynthesis(ctx, Synthesis{RequestID: "stale", VoiceKey: "a", Format: "file", Status: "ok"}); err != nil {
		t.Fatal(err)
	}
	js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := js.AppendSynthesis(ctx, Synthesis{RequestID: id, VoiceKey: "a", Format: "file", Status: "ok"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := js.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recs, err := js.ListRecent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records after prune, got %d", len(recs))
	}
	if recs[0].RequestID != "r3" || recs[1].RequestID != "r2" {
		t.Fatalf("expected the newest entries to survive, got %s and %s", recs[0].RequestID, recs[1].RequestID)
	}
}

func TestRecordSynthesisOutcome(t *testing.T) {
	ctx := context.Background()
	js, err := Open(ctx, config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = js.Close() })

	ok := tts.Outcome{RequestID: "ok", VoiceKey: "fa_IR-mana-medium", Format: tts.FormatFile, TextChars: 10,
		AudioDuration: 1500 * time.Millisecond, Latency: 40 * time.Millisecond, Stage: tts.StageCompleted}
	failed := tts.Outcome{RequestID: "bad", VoiceKey: "missing", Format: tts.FormatStream,
		Stage: tts.StageFailed, FailedAt: tts.StageResolving, Err: tts.VoiceNotFound("missing", []string{"fa_IR-mana-medium"})}
	if err := js.RecordSynthesis(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if err := js.RecordSynthesis(ctx, failed); err != nil {
		t.Fatal(err)
	}

	recs, err := js.ListRecent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]Synthesis{}
	for _, r := range recs {
		byID[r.RequestID] = r
	}
	if r := byID["ok"]; r.Status != "ok" || r.AudioDuration != 1500 || r.Latency != 40 {
		t.Fatalf("unexpected success record %+v", r)
	}
	if r := byID["bad"]; r.Status != "voice_not_found" || r.Stage != "resolving" || r.Error == "" {
		t.Fatalf("unexpected failure record %+v", r)
	}
}
