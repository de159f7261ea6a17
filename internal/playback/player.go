// Package playback assembles streamed PCM chunks into gapless scheduled audio.
package playback

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is the per-session playback state.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StateEnded
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateEnded:
		return "ended"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result tells the completion callback how a session finished.
type Result struct {
	ResponseID  string
	Interrupted bool
	Scheduled   int
	Skipped     int
}

const (
	DefaultWarmup      = 3
	DefaultStartOffset = 50 * time.Millisecond
	DefaultEndMargin   = 100 * time.Millisecond
)

type Options struct {
	// Warmup is the number of chunks buffered before playback begins.
	Warmup      int
	StartOffset time.Duration
	EndMargin   time.Duration
	AfterFunc   AfterFunc
	OnComplete  func(Result)
	Logger      *slog.Logger
}

type scheduled struct {
	unit Unit
	end  float64
}

// Player runs one session at a time: Idle, Buffering, Playing, then Ended
// or Interrupted. Chunks are keyed by session so a late chunk from an
// earlier session is dropped.
type Player struct {
	factory ContextFactory
	opts    Options
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	session    string
	rate       int
	ctx        AudioContext
	buffer     [][]float32
	units      []scheduled
	seen       map[uint32]struct{}
	nextStart  float64
	ending     bool
	endTimer   Timer
	timerGen   uint64
	scheduledN int
	skippedN   int
	completed  bool
}

func NewPlayer(factory ContextFactory, opts Options) *Player {
	if opts.Warmup <= 0 {
		opts.Warmup = DefaultWarmup
	}
	if opts.StartOffset <= 0 {
		opts.StartOffset = DefaultStartOffset
	}
	if opts.EndMargin <= 0 {
		opts.EndMargin = DefaultEndMargin
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Player{
		factory: factory,
		opts:    opts,
		logger:  logger.With(slog.String("component", "playback")),
	}
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Start opens a new session. A session still in progress is interrupted first.
func (p *Player) Start(responseID string, sampleRate int) {
	p.mu.Lock()
	prev := p.abortLocked()
	p.releaseLocked()

	p.state = StateBuffering
	p.session = responseID
	p.rate = sampleRate
	p.seen = make(map[uint32]struct{})
	p.ending = false
	p.completed = false
	p.scheduledN, p.skippedN = 0, 0

	ctx, err := p.factory(responseID, sampleRate)
	if err != nil {
		p.logger.Warn("audio output unavailable", slog.String("response_id", responseID), slog.String("error", err.Error()))
	} else {
		p.ctx = ctx
	}
	p.mu.Unlock()

	p.complete(prev)
}

// Push delivers chunk index of session. It reports whether the chunk was accepted.
// Chunks play in arrival order; the index only identifies duplicates, since the
// single stream connection already delivers them in order.
func (p *Player) Push(session string, index uint32, pcm []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session != p.session || (p.state != StateBuffering && p.state != StatePlaying) {
		return false
	}
	if _, dup := p.seen[index]; dup {
		return false
	}
	p.seen[index] = struct{}{}
	samples := PCM16ToFloat(pcm)

	if p.state == StateBuffering {
		p.buffer = append(p.buffer, samples)
		if len(p.buffer) >= p.opts.Warmup {
			p.beginLocked()
		}
		return true
	}

	p.cancelTimerLocked()
	p.scheduleLocked(samples)
	if p.ending {
		p.armEndLocked()
	}
	return true
}

// End marks the session's stream complete. Completion fires once everything
// scheduled has played.
func (p *Player) End(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session != p.session || (p.state != StateBuffering && p.state != StatePlaying) || p.ending {
		return
	}
	p.ending = true
	if p.state == StateBuffering {
		p.beginLocked()
	}
	p.armEndLocked()
}

// Interrupt stops every scheduled unit immediately and fires completion
// synchronously. Repeated calls are no-ops.
func (p *Player) Interrupt() {
	p.mu.Lock()
	res := p.abortLocked()
	p.releaseLocked()
	p.mu.Unlock()
	p.complete(res)
}

// Dispose releases the output context without firing completion. It is safe
// to call from any state and more than once.
func (p *Player) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimerLocked()
	for _, s := range p.units {
		s.unit.Stop()
	}
	p.releaseLocked()
	if p.state == StateBuffering || p.state == StatePlaying {
		p.state = StateIdle
		p.completed = true
	}
}

// abortLocked moves an active session to Interrupted and returns its result,
// or nil when nothing was active.
func (p *Player) abortLocked() *Result {
	if p.state != StateBuffering && p.state != StatePlaying {
		return nil
	}
	p.cancelTimerLocked()
	for _, s := range p.units {
		s.unit.Stop()
	}
	p.state = StateInterrupted
	return p.finishLocked(true)
}

func (p *Player) finishLocked(interrupted bool) *Result {
	if p.completed {
		return nil
	}
	p.completed = true
	return &Result{
		ResponseID:  p.session,
		Interrupted: interrupted,
		Scheduled:   p.scheduledN,
		Skipped:     p.skippedN,
	}
}

func (p *Player) complete(res *Result) {
	if res == nil || p.opts.OnComplete == nil {
		return
	}
	p.opts.OnComplete(*res)
}

func (p *Player) releaseLocked() {
	if p.ctx != nil {
		if err := p.ctx.Close(); err != nil {
			p.logger.Warn("failed to close audio output", slog.String("response_id", p.session), slog.String("error", err.Error()))
		}
		p.ctx = nil
	}
	p.buffer = nil
	p.units = nil
}

// beginLocked schedules the warm-up buffer back to back from a near-immediate offset.
func (p *Player) beginLocked() {
	p.state = StatePlaying
	if p.ctx != nil {
		p.nextStart = p.ctx.CurrentTime() + p.opts.StartOffset.Seconds()
	}
	for _, samples := range p.buffer {
		p.scheduleLocked(samples)
	}
	p.buffer = nil
}

// scheduleLocked places samples right after the previous unit, or now when
// that moment has already passed. A failed unit is skipped.
func (p *Player) scheduleLocked(samples []float32) {
	if p.ctx == nil {
		p.skippedN++
		return
	}
	at := p.nextStart
	if now := p.ctx.CurrentTime(); at < now {
		at = now
	}
	unit, err := p.ctx.Schedule(samples, p.rate, at)
	if err != nil {
		p.skippedN++
		p.logger.Warn("failed to schedule chunk", slog.String("response_id", p.session), slog.String("error", err.Error()))
		return
	}
	end := at + float64(len(samples))/float64(p.rate)
	p.units = append(p.units, scheduled{unit: unit, end: end})
	p.nextStart = end
	p.scheduledN++
}

func (p *Player) armEndLocked() {
	p.cancelTimerLocked()
	var remaining time.Duration
	if p.ctx != nil && len(p.units) > 0 {
		if left := p.nextStart - p.ctx.CurrentTime(); left > 0 {
			remaining = time.Duration(left * float64(time.Second))
		}
	}
	gen := p.timerGen
	p.endTimer = p.opts.AfterFunc(remaining+p.opts.EndMargin, func() { p.onEndTimer(gen) })
}

func (p *Player) cancelTimerLocked() {
	p.timerGen++
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
}

func (p *Player) onEndTimer(gen uint64) {
	p.mu.Lock()
	if gen != p.timerGen || p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.endTimer = nil
	p.state = StateEnded
	res := p.finishLocked(false)
	p.releaseLocked()
	p.mu.Unlock()
	p.complete(res)
}
