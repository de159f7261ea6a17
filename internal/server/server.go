// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/worker"
)

// Worker is the command side of the process bridge.
type Worker interface {
	Send(ctx context.Context, cmd protocol.Command) (worker.Status, error)
	Ready() bool
	Messages() string
}

// History reads the recorded timeline.
type History interface {
	GetResponse(ctx context.Context, responseID string) (eventstore.Response, bool, error)
	ListResponseEvents(ctx context.Context, responseID string, limit int) ([]eventstore.Event, error)
}

// Deps are the collaborators routed by New. Nil handlers are not mounted.
type Deps struct {
	Worker  Worker
	History History
	Push    http.Handler
	Stream  http.Handler
	Metrics http.Handler
	Healthy func() bool
	Live    func() bool
	Logger  *slog.Logger
}

type api struct {
	deps   Deps
	logger *slog.Logger
}

// New builds the relay router.
func New(deps Deps) http.Handler {
	a := &api{deps: deps, logger: deps.Logger.With(slog.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReadyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Push != nil {
		r.Method(http.MethodGet, "/events", deps.Push)
	}
	if deps.Stream != nil {
		r.Method(http.MethodGet, "/stream", deps.Stream)
	}

	r.Post("/message", a.handleMessage)
	r.Post("/interrupt", a.handleInterrupt)
	r.Post("/tts-setting", a.handleSpeechSetting)
	r.Get("/messages", a.handleMessages)
	r.Get("/ready", a.handleReady)
	if deps.History != nil {
		r.Get("/history/{responseID}", a.handleHistory)
	}
	return r
}

type messageRequest struct {
	Message string `json:"message"`
	TTS     bool   `json:"tts"`
}

type speechSettingRequest struct {
	Enabled *bool `json:"enabled"`
}

type historyEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (a *api) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required"})
		return
	}
	cmd := protocol.TextCommand(req.Message)
	if req.TTS {
		cmd = protocol.SpeechTextCommand(req.Message)
	}
	a.send(w, r, cmd)
}

func (a *api) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	a.send(w, r, protocol.InterruptCommand())
}

func (a *api) handleSpeechSetting(w http.ResponseWriter, r *http.Request) {
	var req speechSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "enabled is required"})
		return
	}
	a.send(w, r, protocol.SpeechSettingCommand(*req.Enabled))
}

func (a *api) send(w http.ResponseWriter, r *http.Request, cmd protocol.Command) {
	status, err := a.deps.Worker.Send(r.Context(), cmd)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, worker.ErrNotStarted) || errors.Is(err, worker.ErrClosed) {
			code = http.StatusServiceUnavailable
		}
		a.logger.Warn("command failed", slog.String("command", cmd.Kind.String()), slog.String("error", err.Error()))
		writeJSON(w, code, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(status)})
}

func (a *api) handleMessages(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(a.deps.Worker.Messages()))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": a.deps.Worker.Ready()})
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "responseID")
	resp, ok, err := a.deps.History.GetResponse(r.Context(), id)
	if err != nil {
		a.logger.Warn("history lookup failed", slog.String("response_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "history unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown response"})
		return
	}
	events, err := a.deps.History.ListResponseEvents(r.Context(), id, 500)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "history unavailable"})
		return
	}
	out := make([]historyEvent, 0, len(events))
	for _, e := range events {
		he := historyEvent{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt}
		if len(e.Payload) > 0 && json.Valid(e.Payload) {
			he.Payload = json.RawMessage(e.Payload)
		}
		out = append(out, he)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response_id": resp.ResponseID,
		"sample_rate": resp.SampleRate,
		"chunks":      resp.Chunks,
		"bytes":       resp.Bytes,
		"created_at":  resp.CreatedAt,
		"ended_at":    resp.EndedAt,
		"events":      out,
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Live != nil && !a.deps.Live() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Healthy == nil || a.deps.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
