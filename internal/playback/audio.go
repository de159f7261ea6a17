package playback

import (
	"encoding/binary"
	"time"
)

// Unit is one scheduled block of samples. Stopping a unit that already
// finished is a no-op.
type Unit interface {
	Stop()
}

// AudioContext is an output clock that accepts units scheduled ahead of time.
// Times are seconds on the context's own clock.
type AudioContext interface {
	CurrentTime() float64
	Schedule(samples []float32, sampleRate int, at float64) (Unit, error)
	Close() error
}

// ContextFactory opens the output context for one stream session.
type ContextFactory func(responseID string, sampleRate int) (AudioContext, error)

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// PCM16ToFloat converts little-endian signed 16-bit samples to [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
