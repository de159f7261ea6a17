package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/worker"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWorker struct {
	mu       sync.Mutex
	ready    bool
	cmds     []protocol.Command
	messages []string
	err      error
}

func (f *fakeWorker) Send(_ context.Context, cmd protocol.Command) (worker.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.cmds = append(f.cmds, cmd)
	if f.ready || cmd.IsControl() {
		return worker.StatusSent, nil
	}
	return worker.StatusQueued, nil
}

func (f *fakeWorker) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeWorker) Messages() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := strings.Join(f.messages, "\n")
	f.messages = nil
	return out
}

type fakeHistory struct{}

func (fakeHistory) GetResponse(_ context.Context, id string) (eventstore.Response, bool, error) {
	if id != "r1" {
		return eventstore.Response{}, false, nil
	}
	return eventstore.Response{ResponseID: "r1", SampleRate: 24000, Chunks: 2, Bytes: 64, CreatedAt: time.Unix(0, 0).UTC()}, true, nil
}

func (fakeHistory) ListResponseEvents(_ context.Context, id string, _ int) ([]eventstore.Event, error) {
	return []eventstore.Event{{ID: 1, ResponseID: id, Type: "audio_start", Payload: []byte(`{"kind":"audio_start"}`)}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMessageQueuedThenSent(t *testing.T) {
	w := &fakeWorker{}
	h := New(Deps{Worker: w, Logger: newLogger()})

	rec := do(t, h, http.MethodPost, "/message", `{"message":"hello","tts":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"queued"}`, rec.Body.String())

	w.ready = true
	rec = do(t, h, http.MethodPost, "/message", `{"message":"again"}`)
	require.JSONEq(t, `{"status":"sent"}`, rec.Body.String())

	require.Equal(t, []protocol.Command{
		protocol.SpeechTextCommand("hello"),
		protocol.TextCommand("again"),
	}, w.cmds)
}

func TestMessageValidation(t *testing.T) {
	h := New(Deps{Worker: &fakeWorker{}, Logger: newLogger()})
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/message", `nope`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/message", `{"message":""}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/tts-setting", `{}`).Code)
}

func TestInterruptAndSpeechSetting(t *testing.T) {
	w := &fakeWorker{}
	h := New(Deps{Worker: w, Logger: newLogger()})

	rec := do(t, h, http.MethodPost, "/interrupt", "")
	require.JSONEq(t, `{"status":"sent"}`, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/tts-setting", `{"enabled":false}`)
	require.JSONEq(t, `{"status":"queued"}`, rec.Body.String())
	require.Equal(t, []protocol.Command{protocol.InterruptCommand(), protocol.SpeechSettingCommand(false)}, w.cmds)

	w.err = worker.ErrNotStarted
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/interrupt", "").Code)
}

func TestMessagesDrainOnce(t *testing.T) {
	w := &fakeWorker{messages: []string{"Model: hi", "Model: there"}}
	h := New(Deps{Worker: w, Logger: newLogger()})

	rec := do(t, h, http.MethodGet, "/messages", "")
	require.Equal(t, "Model: hi\nModel: there", rec.Body.String())
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	require.Equal(t, "", do(t, h, http.MethodGet, "/messages", "").Body.String())
}

func TestReadyAndProbes(t *testing.T) {
	w := &fakeWorker{}
	healthy := false
	h := New(Deps{Worker: w, Logger: newLogger(), Healthy: func() bool { return healthy }})

	require.JSONEq(t, `{"ready":false}`, do(t, h, http.MethodGet, "/ready", "").Body.String())
	w.ready = true
	require.JSONEq(t, `{"ready":true}`, do(t, h, http.MethodGet, "/ready", "").Body.String())

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	healthy = true
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
}

func TestHistory(t *testing.T) {
	h := New(Deps{Worker: &fakeWorker{}, History: fakeHistory{}, Logger: newLogger()})

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/history/missing", "").Code)

	rec := do(t, h, http.MethodGet, "/history/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ResponseID string `json:"response_id"`
		Chunks     int    `json:"chunks"`
		Events     []struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "r1", body.ResponseID)
	require.Equal(t, 2, body.Chunks)
	require.Len(t, body.Events, 1)
	require.JSONEq(t, `{"kind":"audio_start"}`, string(body.Events[0].Payload))
}
