package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Recorder persists worker events off the output path. HandleEvent never
// blocks: when the queue is full the event is dropped with a warning.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	events chan protocol.Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// owned by the run goroutine
	active string
	totals map[string]*responseTotals
}

type responseTotals struct {
	chunks int
	bytes  int64
}

func NewRecorder(store *Store, log *slog.Logger, queue int) *Recorder {
	if queue <= 0 {
		queue = 1024
	}
	return &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "event-recorder")),
		events: make(chan protocol.Event, queue),
		totals: make(map[string]*responseTotals),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range r.events {
			r.record(ctx, ev)
		}
	}()
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) HandleEvent(ev protocol.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.log.Warn("recorder queue full, event dropped", slog.String("kind", ev.Kind()))
	}
}

func (r *Recorder) record(ctx context.Context, ev protocol.Event) {
	var err error
	switch e := ev.(type) {
	case protocol.StreamStart:
		r.active = e.ResponseID
		r.totals[e.ResponseID] = &responseTotals{}
		if err = r.store.StartResponse(ctx, e.ResponseID, e.SampleRate); err == nil {
			err = r.append(ctx, e.ResponseID, ev)
		}
	case protocol.StreamChunk:
		t := r.totals[e.ResponseID]
		if t == nil {
			// start missed: dropped from a full queue or sent before the recorder ran
			t = &responseTotals{}
			r.totals[e.ResponseID] = t
		}
		t.chunks++
		t.bytes += int64(len(e.PCM))
	case protocol.StreamEnd:
		t := r.totals[e.ResponseID]
		delete(r.totals, e.ResponseID)
		if r.active == e.ResponseID {
			r.active = ""
		}
		if t == nil {
			t = &responseTotals{}
		}
		if err = r.store.EndResponse(ctx, e.ResponseID, t.chunks, t.bytes); err == nil {
			err = r.append(ctx, e.ResponseID, ev)
		}
	case protocol.Text, protocol.AudioFile, protocol.InterruptAck, protocol.ModelReady:
		err = r.append(ctx, r.active, ev)
	}
	if err != nil {
		r.log.Warn("failed to record event", slog.String("kind", ev.Kind()), slogError(err))
	}
}

func (r *Recorder) append(ctx context.Context, responseID string, ev protocol.Event) error {
	payload, err := json.Marshal(protocol.NewBusEvent(ev))
	if err != nil {
		return err
	}
	return r.store.AppendEvent(ctx, Event{ResponseID: responseID, Type: ev.Kind(), Payload: payload})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
