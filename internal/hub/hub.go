package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Channel names one of the two client registries.
type Channel string

const (
	ChannelPush   Channel = "push"
	ChannelStream Channel = "stream"
)

type registry struct {
	channel Channel
	mu      sync.RWMutex
	members map[string]Client
	// seq keeps broadcasts to this registry in submission order.
	seq sync.Mutex
}

func newRegistry(channel Channel) *registry {
	return &registry{channel: channel, members: make(map[string]Client)}
}

func (r *registry) join(c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c.ID()]; ok {
		return false
	}
	r.members[c.ID()] = c
	return true
}

func (r *registry) leave(id string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	return c, ok
}

func (r *registry) snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Hub fans worker events out to push and stream clients.
type Hub struct {
	logger    *slog.Logger
	push      *registry
	stream    *registry
	delivered metric.Int64Counter
	evicted   metric.Int64Counter
}

func New(logger *slog.Logger) *Hub {
	h := &Hub{
		logger: logger.With(slog.String("component", "hub")),
		push:   newRegistry(ChannelPush),
		stream: newRegistry(ChannelStream),
	}
	if err := h.initMetrics(); err != nil {
		h.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return h
}

func (h *Hub) registry(ch Channel) *registry {
	if ch == ChannelStream {
		return h.stream
	}
	return h.push
}

// Join adds c to the channel's registry. Joining twice with the same id is a no-op.
func (h *Hub) Join(ch Channel, c Client) {
	if h.registry(ch).join(c) {
		h.logger.Debug("client joined", slog.String("channel", string(ch)), slog.String("client_id", c.ID()))
	}
}

// Leave removes the client without closing it; the owning transport does that.
func (h *Hub) Leave(ch Channel, id string) {
	if _, ok := h.registry(ch).leave(id); ok {
		h.logger.Debug("client left", slog.String("channel", string(ch)), slog.String("client_id", id))
	}
}

// Count returns the current registry size.
func (h *Hub) Count(ch Channel) int {
	return h.registry(ch).size()
}

// BroadcastPush sends a named event with a JSON payload to every push client.
func (h *Hub) BroadcastPush(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal push event", slog.String("event", event), slogError(err))
		return
	}
	h.broadcast(h.push, Message{Type: TextMessage, Event: event, Data: data})
}

// BroadcastStream sends one frame to every stream client.
func (h *Hub) BroadcastStream(msg Message) {
	h.broadcast(h.stream, msg)
}

// BroadcastStreamJSON sends a JSON text frame to every stream client.
func (h *Hub) BroadcastStreamJSON(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal stream frame", slogError(err))
		return
	}
	h.broadcast(h.stream, Message{Type: TextMessage, Data: data})
}

// broadcast never waits on a client: a closed or stalled client is evicted
// and delivery continues to the rest.
func (h *Hub) broadcast(r *registry, msg Message) {
	r.seq.Lock()
	defer r.seq.Unlock()

	attrs := metric.WithAttributes(attribute.String("channel", string(r.channel)))
	for _, c := range r.snapshot() {
		if err := c.Send(msg); err != nil {
			if _, ok := r.leave(c.ID()); ok {
				c.Close()
				h.logger.Info("client evicted",
					slog.String("channel", string(r.channel)),
					slog.String("client_id", c.ID()),
					slogError(err))
				if h.evicted != nil {
					h.evicted.Add(context.Background(), 1, attrs)
				}
			}
			continue
		}
		if h.delivered != nil {
			h.delivered.Add(context.Background(), 1, attrs)
		}
	}
}

func (h *Hub) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/hub")
	delivered, err := meter.Int64Counter("relay.hub.delivered", metric.WithDescription("Frames handed to client queues"))
	if err != nil {
		return err
	}
	evicted, err := meter.Int64Counter("relay.hub.evicted", metric.WithDescription("Clients removed after a failed send"))
	if err != nil {
		return err
	}
	clients, err := meter.Int64ObservableGauge("relay.hub.clients", metric.WithDescription("Connected clients per channel"))
	if err != nil {
		return err
	}
	h.delivered = delivered
	h.evicted = evicted
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(clients, int64(h.push.size()), metric.WithAttributes(attribute.String("channel", string(ChannelPush))))
		obs.ObserveInt64(clients, int64(h.stream.size()), metric.WithAttributes(attribute.String("channel", string(ChannelStream))))
		return nil
	}, clients)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
