package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSampleRate is used when a stream start line carries no usable rate.
const DefaultSampleRate = 24000

const (
	// StreamChannels and StreamBitDepth are fixed for every stream session.
	StreamChannels = 1
	StreamBitDepth = 16
)

// Worker output prefixes and control lines.
const (
	lineReady        = "READY"
	lineModelReady   = "KOKORO_READY"
	lineInterruptAck = "INTERRUPT_ACK"
	prefixStart      = "STREAM_START:"
	prefixChunk      = "STREAM_CHUNK:"
	prefixEnd        = "STREAM_END:"
	prefixAudio      = "Audio:"
)

// ErrMalformed marks a protocol line or frame whose fields could not be decoded.
var ErrMalformed = errors.New("malformed protocol data")

// Event is a classified worker output line. The set of implementations is closed.
type Event interface {
	Kind() string
	isEvent()
}

// Empty is a blank line; consumers treat it as a no-op.
type Empty struct{}

// Ready signals the worker accepts commands.
type Ready struct{}

// ModelReady signals the speech model finished loading.
type ModelReady struct{}

// InterruptAck confirms the worker stopped the current response.
type InterruptAck struct{}

// StreamStart opens a streamed audio response.
type StreamStart struct {
	ResponseID string
	SampleRate int
	Channels   int
	BitDepth   int
}

// StreamChunk carries one block of little-endian PCM16 audio.
type StreamChunk struct {
	ResponseID string
	Index      uint32
	PCM        []byte
}

// StreamEnd closes a streamed audio response.
type StreamEnd struct {
	ResponseID string
}

// AudioFile announces a complete audio file produced by the legacy path.
type AudioFile struct {
	Path string
}

// Text is any other output line, kept for the pull endpoint.
type Text struct {
	Line string
}

// Malformed is a recognised line whose fields failed to decode.
type Malformed struct {
	Line string
	Err  error
}

func (Empty) Kind() string        { return "empty" }
func (Ready) Kind() string        { return "ready" }
func (ModelReady) Kind() string   { return "model_ready" }
func (InterruptAck) Kind() string { return "interrupt_ack" }
func (StreamStart) Kind() string  { return "audio_start" }
func (StreamChunk) Kind() string  { return "audio_chunk" }
func (StreamEnd) Kind() string    { return "audio_end" }
func (AudioFile) Kind() string    { return "audio_file" }
func (Text) Kind() string         { return "text" }
func (Malformed) Kind() string    { return "malformed" }

func (Empty) isEvent()        {}
func (Ready) isEvent()        {}
func (ModelReady) isEvent()   {}
func (InterruptAck) isEvent() {}
func (StreamStart) isEvent()  {}
func (StreamChunk) isEvent()  {}
func (StreamEnd) isEvent()    {}
func (AudioFile) isEvent()    {}
func (Text) isEvent()         {}
func (Malformed) isEvent()    {}

// Parse classifies a single trimmed worker line. It never fails: undecodable
// numeric fields fall back to defaults, and undecodable chunks become Malformed.
func Parse(line string) Event {
	switch {
	case line == "":
		return Empty{}
	case line == lineReady:
		return Ready{}
	case line == lineModelReady:
		return ModelReady{}
	case line == lineInterruptAck:
		return InterruptAck{}
	case strings.HasPrefix(line, prefixStart):
		return parseStart(strings.TrimPrefix(line, prefixStart))
	case strings.HasPrefix(line, prefixChunk):
		return parseChunk(line, strings.TrimPrefix(line, prefixChunk))
	case strings.HasPrefix(line, prefixEnd):
		return StreamEnd{ResponseID: strings.TrimPrefix(line, prefixEnd)}
	case strings.HasPrefix(line, prefixAudio):
		return AudioFile{Path: strings.TrimSpace(strings.TrimPrefix(line, prefixAudio))}
	default:
		return Text{Line: line}
	}
}

func parseStart(rest string) StreamStart {
	start := StreamStart{
		ResponseID: rest,
		SampleRate: DefaultSampleRate,
		Channels:   StreamChannels,
		BitDepth:   StreamBitDepth,
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx < 0 {
		return start
	}
	start.ResponseID = rest[:idx]
	if rate, err := strconv.Atoi(rest[idx+1:]); err == nil && rate > 0 {
		start.SampleRate = rate
	}
	return start
}

// parseChunk splits from the right: the payload alphabet never contains ':'
// so the response id may.
func parseChunk(line, rest string) Event {
	payloadAt := strings.LastIndexByte(rest, ':')
	if payloadAt < 0 {
		return Malformed{Line: line, Err: fmt.Errorf("%w: chunk missing fields", ErrMalformed)}
	}
	head, payload := rest[:payloadAt], rest[payloadAt+1:]
	indexAt := strings.LastIndexByte(head, ':')
	if indexAt < 0 {
		return Malformed{Line: line, Err: fmt.Errorf("%w: chunk missing index", ErrMalformed)}
	}
	index, err := strconv.ParseUint(head[indexAt+1:], 10, 32)
	if err != nil {
		return Malformed{Line: line, Err: fmt.Errorf("%w: chunk index: %v", ErrMalformed, err)}
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Malformed{Line: line, Err: fmt.Errorf("%w: chunk payload: %v", ErrMalformed, err)}
	}
	return StreamChunk{ResponseID: head[:indexAt], Index: uint32(index), PCM: pcm}
}
