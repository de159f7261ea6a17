// Package listen consumes the relay's stream channel and plays it locally.
package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// ErrNotConnected is returned by Interrupt before Run has dialled.
var ErrNotConnected = errors.New("stream not connected")

// Player is the playback side driven by stream frames.
type Player interface {
	Start(responseID string, sampleRate int)
	Push(session string, index uint32, pcm []byte) bool
	End(session string)
	Interrupt()
	Dispose()
}

var _ Player = (*playback.Player)(nil)

type Client struct {
	url    string
	player Player
	dialer *websocket.Dialer
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	// session is the response id of the last audio_start; only the read loop touches it.
	session string
}

func New(url string, player Player, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		player: player,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With(slog.String("component", "listen")),
	}
}

// Run dials the stream channel and plays frames until ctx ends or the server
// closes the connection.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.logger.Info("connected to stream", slog.String("url", c.url))

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		c.player.Dispose()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.handleChunk(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *Client) handleChunk(frame []byte) {
	index, pcm, err := protocol.DecodeChunk(frame)
	if err != nil {
		c.logger.Warn("dropping malformed chunk", slog.String("error", err.Error()))
		return
	}
	if !c.player.Push(c.session, index, pcm) {
		c.logger.Debug("chunk discarded", slog.String("response_id", c.session), slog.Uint64("index", uint64(index)))
	}
}

func (c *Client) handleControl(data []byte) {
	var frame protocol.ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("malformed control frame", slog.String("error", err.Error()))
		return
	}
	switch frame.Type {
	case protocol.FrameAudioStart:
		rate := frame.SampleRate
		if rate <= 0 {
			rate = protocol.DefaultSampleRate
		}
		c.session = frame.ResponseID
		c.logger.Info("stream started", slog.String("response_id", frame.ResponseID), slog.Int("sample_rate", rate))
		c.player.Start(frame.ResponseID, rate)
	case protocol.FrameAudioEnd:
		c.player.End(frame.ResponseID)
	case protocol.FrameInterruptAck:
		c.logger.Info("interrupt acknowledged")
	case protocol.FrameModelReady:
		c.logger.Info("speech model ready")
	default:
		c.logger.Debug("ignoring control frame", slog.String("type", frame.Type))
	}
}

// Interrupt silences local playback at once and asks the relay to stop the worker.
func (c *Client) Interrupt() error {
	c.player.Interrupt()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(protocol.ClientMessage{Type: protocol.ClientInterrupt}); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}
	return nil
}
