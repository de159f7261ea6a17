// Package wavout renders scheduled playback into a WAV file instead of a
// sound device.
package wavout

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-relay/internal/playback"
)

var errClosed = errors.New("output closed")

// Context is a playback.AudioContext backed by a sample timeline. Its clock
// is wall time since creation; units are mixed at their scheduled offsets.
type Context struct {
	path  string
	rate  int
	start time.Time
	now   func() time.Time

	mu     sync.Mutex
	units  []*unit
	closed bool
	err    error
}

type unit struct {
	ctx     *Context
	at      float64
	samples []float32
	// stopAt truncates playback; negative means never stopped.
	stopAt float64
}

func (u *unit) Stop() {
	c := u.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.stopAt >= 0 {
		return
	}
	u.stopAt = c.currentTimeLocked()
}

// New creates a context writing to path at the given sample rate.
func New(path string, sampleRate int) *Context {
	return newContext(path, sampleRate, time.Now)
}

func newContext(path string, sampleRate int, now func() time.Time) *Context {
	return &Context{path: path, rate: sampleRate, start: now(), now: now}
}

// Factory returns a playback.ContextFactory that writes <dir>/<responseID>.wav.
func Factory(dir string) playback.ContextFactory {
	return func(responseID string, sampleRate int) (playback.AudioContext, error) {
		if sampleRate <= 0 {
			return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		return New(filepath.Join(dir, sanitize(responseID)+".wav"), sampleRate), nil
	}
}

func (c *Context) Path() string { return c.path }

func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTimeLocked()
}

func (c *Context) currentTimeLocked() float64 {
	return c.now().Sub(c.start).Seconds()
}

func (c *Context) Schedule(samples []float32, sampleRate int, at float64) (playback.Unit, error) {
	if sampleRate != c.rate {
		return nil, fmt.Errorf("sample rate %d does not match output rate %d", sampleRate, c.rate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	u := &unit{ctx: c, at: at, samples: samples, stopAt: -1}
	c.units = append(c.units, u)
	return u, nil
}

// Close renders the timeline and writes the file. Later calls return the
// first call's result.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.err
	}
	c.closed = true
	c.err = c.writeLocked(c.renderLocked())
	return c.err
}

func (c *Context) renderLocked() []int {
	var total int
	for _, u := range c.units {
		if end := c.offset(u.at) + u.playable(c.rate); end > total {
			total = end
		}
	}
	mix := make([]float32, total)
	for _, u := range c.units {
		base := c.offset(u.at)
		n := u.playable(c.rate)
		for i := 0; i < n; i++ {
			mix[base+i] += u.samples[i]
		}
	}
	out := make([]int, total)
	for i, v := range mix {
		v = float32(math.Max(-1, math.Min(1, float64(v))))
		out[i] = int(math.Round(float64(v) * 32767))
	}
	return out
}

func (c *Context) offset(at float64) int {
	if at <= 0 {
		return 0
	}
	return int(math.Round(at * float64(c.rate)))
}

// playable is the number of samples heard before the unit was stopped.
func (u *unit) playable(rate int) int {
	n := len(u.samples)
	if u.stopAt < 0 {
		return n
	}
	heard := int(math.Round((u.stopAt - u.at) * float64(rate)))
	if heard < 0 {
		return 0
	}
	if heard < n {
		return heard
	}
	return n
}

func (c *Context) writeLocked(samples []int) error {
	file, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: c.rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, c.rate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func sanitize(id string) string {
	out := []rune(id)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "response"
	}
	return string(out)
}
