package hub

import (
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// HandleEvent routes a classified worker event to the registries that carry it.
// Ready and plain text are handled by the bridge and are ignored here.
func (h *Hub) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ModelReady:
		h.BroadcastPush(protocol.PushModelReady, protocol.ControlFrame{Type: protocol.FrameModelReady})
		h.BroadcastStreamJSON(protocol.ControlFrame{Type: protocol.FrameModelReady})
	case protocol.InterruptAck:
		h.BroadcastPush(protocol.PushInterruptAck, protocol.ControlFrame{Type: protocol.FrameInterruptAck})
		h.BroadcastStreamJSON(protocol.ControlFrame{Type: protocol.FrameInterruptAck})
	case protocol.StreamStart:
		h.BroadcastStreamJSON(protocol.StartFrame(e))
	case protocol.StreamChunk:
		h.BroadcastStream(Message{Type: BinaryMessage, Data: protocol.EncodeChunk(e.Index, e.PCM)})
	case protocol.StreamEnd:
		h.BroadcastStreamJSON(protocol.EndFrame(e))
	case protocol.AudioFile:
		h.BroadcastPush(protocol.PushAudio, protocol.AudioReady{File: e.Path})
	}
}
