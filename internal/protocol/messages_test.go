package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkLineToBinaryFrame(t *testing.T) {
	line := "STREAM_CHUNK:resp1:0:" + base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	chunk := Parse(line).(StreamChunk)

	frame := EncodeChunk(chunk.Index, chunk.PCM)
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[:4]))
	require.Equal(t, []byte{1, 2, 3, 4}, frame[4:])

	index, pcm, err := DecodeChunk(EncodeChunk(513, []byte{9}))
	require.NoError(t, err)
	require.Equal(t, uint32(513), index)
	require.Equal(t, []byte{9}, pcm)
}

func TestDecodeChunkRejectsShortFrame(t *testing.T) {
	_, _, err := DecodeChunk([]byte{1, 2})
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestStartFrameJSON(t *testing.T) {
	data, err := json.Marshal(StartFrame(StreamStart{ResponseID: "r1", SampleRate: 24000, Channels: 1, BitDepth: 16}))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"audio_start","responseId":"r1","sampleRate":24000,"channels":1,"bitDepth":16}`, string(data))

	data, err = json.Marshal(ControlFrame{Type: FrameModelReady})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"kokoro_ready"}`, string(data))
}

func TestBusCommandConversion(t *testing.T) {
	cmd, err := BusCommand{Type: "text_tts", Message: "hi"}.Command()
	require.NoError(t, err)
	require.Equal(t, SpeechTextCommand("hi"), cmd)

	cmd, err = BusCommand{Type: "tts_setting", Enabled: true}.Command()
	require.NoError(t, err)
	require.Equal(t, "TTS_SETTING:on\n", cmd.Line())

	_, err = BusCommand{Type: "reboot"}.Command()
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestNewBusEvent(t *testing.T) {
	require.Equal(t, BusEvent{Kind: "audio_start", ResponseID: "r", SampleRate: 16000},
		NewBusEvent(StreamStart{ResponseID: "r", SampleRate: 16000}))
	require.Equal(t, BusEvent{Kind: "text", Text: "hello"}, NewBusEvent(Text{Line: "hello"}))
	require.Equal(t, BusEvent{Kind: "interrupt_ack"}, NewBusEvent(InterruptAck{}))
}
