// Package ws serves the duplex stream channel over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/hub"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/worker"
	"golang.org/x/time/rate"
)

const (
	// maxClientMessage bounds a message the relay will decode; larger ones are
	// discarded and the connection stays open.
	maxClientMessage = 4096
	// maxClientFrame is the hard read limit; exceeding it closes the connection.
	maxClientFrame = 1 << 20
)

// Sender forwards client control messages to the worker.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) (worker.Status, error)
}

// Handler upgrades requests and registers them as stream clients.
type Handler struct {
	hub      *hub.Hub
	sender   Sender
	cfg      config.HubConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(h *hub.Hub, sender Sender, cfg config.HubConfig, log *slog.Logger) *Handler {
	return &Handler{
		hub:    h,
		sender: sender,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("component", "ws")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:    hub.NewConn(uuid.NewString(), h.cfg.ClientBuffer),
		ws:      ws,
		handler: h,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst),
		logger:  h.logger,
	}
	h.hub.Join(hub.ChannelStream, c.conn)
	h.logger.Debug("stream client connected", slog.String("client_id", c.conn.ID()))

	go c.writePump()
	c.readPump(r.Context())
}

type client struct {
	conn    *hub.Conn
	ws      *websocket.Conn
	handler *Handler
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (c *client) pingInterval() time.Duration {
	if c.handler.cfg.PingIntervalMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.handler.cfg.PingIntervalMS) * time.Millisecond
}

func (c *client) writeTimeout() time.Duration {
	if c.handler.cfg.WriteTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.handler.cfg.WriteTimeoutMS) * time.Millisecond
}

// readPump owns all reads. It returns when the peer goes away, which also
// releases the hub registration.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.handler.hub.Leave(hub.ChannelStream, c.conn.ID())
		c.conn.Close()
		c.logger.Debug("stream client disconnected", slog.String("client_id", c.conn.ID()))
	}()

	// A missed pong across two ping intervals drops the client.
	pongWait := 2 * c.pingInterval()
	c.ws.SetReadLimit(maxClientFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, oversized, err := readMessage(c.ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("stream read error", slog.String("client_id", c.conn.ID()), slog.String("error", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring binary client frame", slog.String("client_id", c.conn.ID()))
			continue
		}
		if oversized {
			c.logger.Warn("oversized client message dropped", slog.String("client_id", c.conn.ID()))
			continue
		}
		if !c.limiter.Allow() {
			c.logger.Warn("client message rate exceeded", slog.String("client_id", c.conn.ID()))
			continue
		}
		c.handleMessage(ctx, data)
	}
}

// readMessage reads one message, keeping at most maxClientMessage bytes. The
// remainder of a larger message is drained so the next message stays aligned.
func readMessage(conn *websocket.Conn) (int, []byte, bool, error) {
	msgType, r, err := conn.NextReader()
	if err != nil {
		return 0, nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, maxClientMessage+1))
	if err != nil {
		return 0, nil, false, err
	}
	if len(data) <= maxClientMessage {
		return msgType, data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 0, nil, false, err
	}
	return msgType, nil, true, nil
}

// handleMessage never closes the connection: malformed input is logged and dropped.
func (c *client) handleMessage(ctx context.Context, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed client message", slog.String("client_id", c.conn.ID()), slog.String("error", err.Error()))
		return
	}
	switch msg.Type {
	case protocol.ClientInterrupt:
		if _, err := c.handler.sender.Send(ctx, protocol.InterruptCommand()); err != nil {
			c.logger.Warn("failed to forward interrupt", slog.String("client_id", c.conn.ID()), slog.String("error", err.Error()))
			return
		}
		c.logger.Info("interrupt forwarded", slog.String("client_id", c.conn.ID()))
	default:
		c.logger.Warn("unknown client message", slog.String("client_id", c.conn.ID()), slog.String("type", msg.Type))
	}
}

// writePump owns all writes: queued hub frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.conn.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-c.conn.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			frameType := websocket.TextMessage
			if msg.Type == hub.BinaryMessage {
				frameType = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(frameType, msg.Data); err != nil {
				c.logger.Debug("stream write failed", slog.String("client_id", c.conn.ID()), slog.String("error", err.Error()))
				c.handler.hub.Leave(hub.ChannelStream, c.conn.ID())
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handler.hub.Leave(hub.ChannelStream, c.conn.ID())
				c.conn.Close()
				return
			}
		}
	}
}
