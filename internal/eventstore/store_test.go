package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.StartResponse(ctx, "r1", 24000); err != nil {
		t.Fatalf("ephemeral start should be a no-op: %v", err)
	}
	events, err := es.ListResponseEvents(ctx, "r1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events from ephemeral store, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.StartResponse(ctx, "resp-123", 24000); err != nil {
		t.Fatalf("start response: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{ResponseID: "resp-123", Type: "text", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{Type: "text", Payload: []byte("orphan")}); err != nil {
		t.Fatalf("append event without response: %v", err)
	}
	if err := es.EndResponse(ctx, "resp-123", 4, 1024); err != nil {
		t.Fatalf("end response: %v", err)
	}

	events, err := es.ListResponseEvents(ctx, "resp-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}

	resp, ok, err := es.GetResponse(ctx, "resp-123")
	if err != nil || !ok {
		t.Fatalf("get response: ok=%v err=%v", ok, err)
	}
	if resp.Chunks != 4 || resp.Bytes != 1024 || resp.SampleRate != 24000 {
		t.Fatalf("unexpected response totals: %+v", resp)
	}
	if resp.EndedAt.IsZero() {
		t.Fatalf("expected ended_at to be set")
	}
	if _, ok, _ := es.GetResponse(ctx, "missing"); ok {
		t.Fatalf("expected missing response to be absent")
	}
}

func TestPruneByDays(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartResponse(ctx, "old", 24000); err != nil {
		t.Fatalf("start response: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{ResponseID: "old", Type: "text"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartResponse(ctx, "new", 24000); err != nil {
		t.Fatalf("start response: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListResponseEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old response pruned")
	}
	if _, ok, _ := es.GetResponse(ctx, "new"); !ok {
		t.Fatalf("expected new response kept")
	}
}

func TestRecorderTotals(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec := NewRecorder(es, newLogger(), 16)
	rec.Start(context.Background())
	rec.HandleEvent(protocol.StreamStart{ResponseID: "r1", SampleRate: 22050})
	rec.HandleEvent(protocol.StreamChunk{ResponseID: "r1", Index: 0, PCM: make([]byte, 100)})
	rec.HandleEvent(protocol.Text{Line: "Model: hi"})
	rec.HandleEvent(protocol.StreamChunk{ResponseID: "r1", Index: 1, PCM: make([]byte, 50)})
	rec.HandleEvent(protocol.StreamEnd{ResponseID: "r1"})
	rec.Close()
	rec.HandleEvent(protocol.Text{Line: "after close"})

	resp, ok, err := es.GetResponse(context.Background(), "r1")
	if err != nil || !ok {
		t.Fatalf("get response: ok=%v err=%v", ok, err)
	}
	if resp.Chunks != 2 || resp.Bytes != 150 || resp.SampleRate != 22050 {
		t.Fatalf("unexpected totals: %+v", resp)
	}

	events, err := es.ListResponseEvents(context.Background(), "r1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	if len(kinds) != 3 || kinds[0] != "audio_start" || kinds[1] != "text" || kinds[2] != "audio_end" {
		t.Fatalf("unexpected recorded kinds: %v", kinds)
	}
}

func TestRecorderEndWithoutStart(t *testing.T) {
	es, err := Open(context.Background(), config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db")}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec := NewRecorder(es, newLogger(), 16)
	rec.Start(context.Background())
	rec.HandleEvent(protocol.StreamChunk{ResponseID: "late", Index: 7, PCM: make([]byte, 40)})
	rec.HandleEvent(protocol.StreamEnd{ResponseID: "late"})
	rec.Close()

	resp, ok, err := es.GetResponse(context.Background(), "late")
	if err != nil || !ok {
		t.Fatalf("get response: ok=%v err=%v", ok, err)
	}
	if resp.Chunks != 1 || resp.Bytes != 40 || resp.SampleRate != 0 || resp.EndedAt.IsZero() {
		t.Fatalf("unexpected response row: %+v", resp)
	}

	events, err := es.ListResponseEvents(context.Background(), "late", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "audio_end" {
		t.Fatalf("expected a single audio_end event, got %+v", events)
	}
}
