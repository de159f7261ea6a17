package protocol

import (
	"encoding/binary"
	"fmt"
)

// Control frame types sent as JSON text on the stream channel.
const (
	FrameModelReady   = "kokoro_ready"
	FrameInterruptAck = "interrupt_ack"
	FrameAudioStart   = "audio_start"
	FrameAudioEnd     = "audio_end"
)

// Named events on the push channel.
const (
	PushConnected    = "connected"
	PushAudio        = "audio"
	PushModelReady   = "kokoro_ready"
	PushInterruptAck = "interrupt_ack"
)

// ClientInterrupt is the only message a stream client sends.
const ClientInterrupt = "interrupt"

// ChunkHeaderSize is the length of the little-endian index prefix on binary frames.
const ChunkHeaderSize = 4

// ControlFrame is a structured stream-channel message.
type ControlFrame struct {
	Type       string `json:"type"`
	ResponseID string `json:"responseId,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	BitDepth   int    `json:"bitDepth,omitempty"`
}

// ClientMessage is a structured message received from a stream client.
type ClientMessage struct {
	Type string `json:"type"`
}

// AudioReady is the payload of the push channel's audio event.
type AudioReady struct {
	File string `json:"file"`
}

// Connected is the payload of the push channel's connected event.
type Connected struct {
	ID string `json:"id"`
}

// StartFrame converts a stream start into its control frame.
func StartFrame(ev StreamStart) ControlFrame {
	return ControlFrame{
		Type:       FrameAudioStart,
		ResponseID: ev.ResponseID,
		SampleRate: ev.SampleRate,
		Channels:   ev.Channels,
		BitDepth:   ev.BitDepth,
	}
}

// EndFrame converts a stream end into its control frame.
func EndFrame(ev StreamEnd) ControlFrame {
	return ControlFrame{Type: FrameAudioEnd, ResponseID: ev.ResponseID}
}

// EncodeChunk builds a binary frame: 4-byte little-endian index followed by raw PCM.
func EncodeChunk(index uint32, pcm []byte) []byte {
	frame := make([]byte, ChunkHeaderSize+len(pcm))
	binary.LittleEndian.PutUint32(frame, index)
	copy(frame[ChunkHeaderSize:], pcm)
	return frame
}

// DecodeChunk splits a binary frame into its index and PCM payload.
func DecodeChunk(frame []byte) (uint32, []byte, error) {
	if len(frame) < ChunkHeaderSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, len(frame))
	}
	return binary.LittleEndian.Uint32(frame), frame[ChunkHeaderSize:], nil
}

// Bus subjects, relative to the configured prefix.
const (
	SubjectEventPrefix = "event"
	SubjectAudioChunk  = "audio.chunk"
	SubjectCommand     = "command"
)

// BusEvent mirrors a worker event onto the message bus.
type BusEvent struct {
	Kind       string `json:"kind"`
	ResponseID string `json:"response_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	File       string `json:"file,omitempty"`
	Text       string `json:"text,omitempty"`
}

// BusCommand is a command injected from the message bus.
type BusCommand struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// Command converts a bus command into a worker command.
func (c BusCommand) Command() (Command, error) {
	switch c.Type {
	case "text":
		return TextCommand(c.Message), nil
	case "text_tts":
		return SpeechTextCommand(c.Message), nil
	case "interrupt":
		return InterruptCommand(), nil
	case "tts_setting":
		return SpeechSettingCommand(c.Enabled), nil
	default:
		return Command{}, fmt.Errorf("%w: unknown command type %q", ErrMalformed, c.Type)
	}
}

// NewBusEvent projects an event into its bus form.
func NewBusEvent(ev Event) BusEvent {
	out := BusEvent{Kind: ev.Kind()}
	switch e := ev.(type) {
	case StreamStart:
		out.ResponseID = e.ResponseID
		out.SampleRate = e.SampleRate
	case StreamEnd:
		out.ResponseID = e.ResponseID
	case AudioFile:
		out.File = e.Path
	case Text:
		out.Text = e.Line
	}
	return out
}
