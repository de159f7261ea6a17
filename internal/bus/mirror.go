package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Mirror republishes worker events on the bus. Publishing is buffered by the
// NATS client, so HandleEvent does not wait on the network.
type Mirror struct {
	client *Client
	logger *slog.Logger
}

func NewMirror(client *Client, log *slog.Logger) *Mirror {
	return &Mirror{client: client, logger: log.With(slog.String("component", "bus-mirror"))}
}

func (m *Mirror) HandleEvent(ev protocol.Event) {
	var (
		subject string
		data    []byte
		err     error
	)
	switch e := ev.(type) {
	case protocol.StreamChunk:
		subject = m.client.Subject(protocol.SubjectAudioChunk)
		data = protocol.EncodeChunk(e.Index, e.PCM)
	default:
		subject = m.client.Subject(protocol.SubjectEventPrefix, ev.Kind())
		data, err = json.Marshal(protocol.NewBusEvent(ev))
		if err != nil {
			m.logger.Warn("failed to marshal bus event", slog.String("kind", ev.Kind()), slogError(err))
			return
		}
	}
	if err := m.client.Conn().Publish(subject, data); err != nil {
		m.logger.Warn("failed to publish bus event", slog.String("subject", subject), slogError(err))
	}
}
