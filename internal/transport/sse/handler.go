// Package sse serves the one-way push channel as server-sent events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/hub"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Handler registers each request as a push client until the request ends.
type Handler struct {
	hub       *hub.Hub
	buffer    int
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewHandler(h *hub.Hub, buffer int, heartbeat time.Duration, log *slog.Logger) *Handler {
	return &Handler{
		hub:       h,
		buffer:    buffer,
		heartbeat: heartbeat,
		logger:    log.With(slog.String("component", "sse")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	conn := hub.NewConn(uuid.NewString(), h.buffer)
	hello, _ := json.Marshal(protocol.Connected{ID: conn.ID()})
	if err := writeEvent(w, protocol.PushConnected, hello); err != nil {
		return
	}
	flusher.Flush()

	h.hub.Join(hub.ChannelPush, conn)
	defer func() {
		h.hub.Leave(hub.ChannelPush, conn.ID())
		conn.Close()
	}()
	h.logger.Debug("push client connected", slog.String("client_id", conn.ID()))

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			// evicted by the hub
			return
		case msg := <-conn.Outbound():
			if err := writeEvent(w, msg.Event, msg.Data); err != nil {
				h.logger.Debug("push write failed", slog.String("client_id", conn.ID()), slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-tick:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
