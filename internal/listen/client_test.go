package listen

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakePlayer struct{ log *callLog }

func (p fakePlayer) Start(id string, rate int) { p.log.add("start %s %d", id, rate) }
func (p fakePlayer) Push(session string, index uint32, pcm []byte) bool {
	p.log.add("push %s %d %v", session, index, pcm)
	return true
}
func (p fakePlayer) End(session string) { p.log.add("end %s", session) }
func (p fakePlayer) Interrupt()         { p.log.add("interrupt") }
func (p fakePlayer) Dispose()           { p.log.add("dispose") }

// streamServer replays frames to the first client and records what it sends back.
func streamServer(t *testing.T, frames func(*websocket.Conn), received chan<- []byte) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames(conn)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if received != nil {
				received <- data
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientDrivesPlayerFromFrames(t *testing.T) {
	url := streamServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(protocol.ControlFrame{Type: protocol.FrameModelReady})
		_ = conn.WriteJSON(protocol.StartFrame(protocol.StreamStart{ResponseID: "r1", SampleRate: 22050, Channels: 1, BitDepth: 16}))
		_ = conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeChunk(0, []byte{1, 2}))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{9})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{oops"))
		_ = conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeChunk(1, []byte{3, 4}))
		_ = conn.WriteJSON(protocol.EndFrame(protocol.StreamEnd{ResponseID: "r1"}))
		_ = conn.WriteJSON(protocol.ControlFrame{Type: protocol.FrameAudioStart, ResponseID: "r2"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}, nil)

	calls := &callLog{}
	client := New(url, fakePlayer{log: calls}, newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Run(ctx))

	require.Equal(t, []string{
		"start r1 22050",
		"push r1 0 [1 2]",
		"push r1 1 [3 4]",
		"end r1",
		"start r2 24000",
		"dispose",
	}, calls.snapshot())
}

func TestInterruptStopsLocallyAndNotifiesServer(t *testing.T) {
	received := make(chan []byte, 1)
	connected := make(chan struct{})
	url := streamServer(t, func(*websocket.Conn) { close(connected) }, received)

	calls := &callLog{}
	client := New(url, fakePlayer{log: calls}, newLogger())
	require.ErrorIs(t, client.Interrupt(), ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	<-connected
	require.Eventually(t, func() bool {
		client.writeMu.Lock()
		defer client.writeMu.Unlock()
		return client.conn != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Interrupt())
	select {
	case data := <-received:
		require.JSONEq(t, `{"type":"interrupt"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt not received")
	}

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []string{"interrupt", "interrupt", "dispose"}, calls.snapshot())
}

func TestClientCompletesPlaybackSession(t *testing.T) {
	url := streamServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(protocol.StartFrame(protocol.StreamStart{ResponseID: "r1", SampleRate: 8000, Channels: 1, BitDepth: 16}))
		for i := uint32(0); i < 2; i++ {
			_ = conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeChunk(i, make([]byte, 16)))
		}
		_ = conn.WriteJSON(protocol.EndFrame(protocol.StreamEnd{ResponseID: "r1"}))
	}, nil)

	done := make(chan playback.Result, 1)
	var contexts []*recordingContext
	var mu sync.Mutex
	player := playback.NewPlayer(func(string, int) (playback.AudioContext, error) {
		ctx := &recordingContext{start: time.Now()}
		mu.Lock()
		contexts = append(contexts, ctx)
		mu.Unlock()
		return ctx, nil
	}, playback.Options{EndMargin: 10 * time.Millisecond, OnComplete: func(r playback.Result) { done <- r }})

	client := New(url, player, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case res := <-done:
		require.Equal(t, playback.Result{ResponseID: "r1", Scheduled: 2}, res)
	case <-time.After(3 * time.Second):
		t.Fatal("playback did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, contexts, 1)
	require.Equal(t, 2, contexts[0].scheduledCount())
}

type recordingContext struct {
	start time.Time
	mu    sync.Mutex
	n     int
}

type noopUnit struct{}

func (noopUnit) Stop() {}

func (c *recordingContext) CurrentTime() float64 { return time.Since(c.start).Seconds() }

func (c *recordingContext) Schedule([]float32, int, float64) (playback.Unit, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return noopUnit{}, nil
}

func (c *recordingContext) Close() error { return nil }

func (c *recordingContext) scheduledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
