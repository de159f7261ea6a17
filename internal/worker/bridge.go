package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotStarted is returned for control commands issued before the process runs.
	ErrNotStarted = errors.New("worker not started")
	// ErrClosed is returned for control commands issued after the process exited.
	ErrClosed = errors.New("worker exited")
)

// Status acknowledges a submitted command.
type Status string

const (
	StatusSent   Status = "sent"
	StatusQueued Status = "queued"
)

// Listener receives every classified, non-empty worker event in output order.
type Listener interface {
	HandleEvent(protocol.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(protocol.Event)

func (f ListenerFunc) HandleEvent(ev protocol.Event) { f(ev) }

// Bridge owns the worker's stdin/stdout, the readiness flag and the pending
// command queue. Output is consumed by a single goroutine, strictly in order.
type Bridge struct {
	cfg       config.WorkerConfig
	args      []string
	logger    *slog.Logger
	listeners []Listener
	tracer    trace.Tracer

	// mu serialises every write to stdin together with the readiness
	// transition, so a flush never interleaves with a direct write.
	mu      sync.Mutex
	stdin   io.Writer
	ready   bool
	exited  bool
	pending []protocol.Command

	readyFlag    atomic.Bool
	pendingCount atomic.Int64
	outbox       outbox

	lines    metric.Int64Counter
	commands metric.Int64Counter
}

// New parses the configured command line; the process is started by Run.
func New(cfg config.WorkerConfig, logger *slog.Logger) (*Bridge, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command empty")
	}
	return newBridge(cfg, args, logger), nil
}

func newBridge(cfg config.WorkerConfig, args []string, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		args:   args,
		logger: logger.With(slog.String("component", "worker-bridge")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-relay/worker"),
	}
	if err := b.initMetrics(); err != nil {
		b.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return b
}

// Subscribe registers a listener. It must be called before Run.
func (b *Bridge) Subscribe(l Listener) {
	b.listeners = append(b.listeners, l)
}

// Ready reports whether the worker has announced READY.
func (b *Bridge) Ready() bool {
	return b.readyFlag.Load()
}

// Pending returns the number of commands waiting for readiness.
func (b *Bridge) Pending() int {
	return int(b.pendingCount.Load())
}

// Messages drains all accumulated plain-text lines, newline-joined.
func (b *Bridge) Messages() string {
	return b.outbox.drain()
}

// Send writes cmd to the worker, or queues it until READY. Interrupts are
// control signals and are written immediately regardless of readiness.
func (b *Bridge) Send(ctx context.Context, cmd protocol.Command) (Status, error) {
	_, span := b.tracer.Start(ctx, "worker.send", trace.WithAttributes(attribute.String("command", cmd.Kind.String())))
	defer span.End()

	status, err := b.send(cmd)
	if err != nil {
		span.RecordError(err)
		return status, err
	}
	span.SetAttributes(attribute.String("status", string(status)))
	if b.commands != nil {
		b.commands.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", cmd.Kind.String()),
			attribute.String("status", string(status))))
	}
	return status, nil
}

func (b *Bridge) send(cmd protocol.Command) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cmd.IsControl() {
		if b.stdin == nil {
			if b.exited {
				return "", ErrClosed
			}
			return "", ErrNotStarted
		}
		if !b.ready {
			b.logger.Debug("forwarding control command before ready", slog.String("command", cmd.Kind.String()))
		}
		if err := b.writeLocked(cmd); err != nil {
			return "", err
		}
		return StatusSent, nil
	}

	if !b.ready {
		b.pending = append(b.pending, cmd)
		b.pendingCount.Store(int64(len(b.pending)))
		return StatusQueued, nil
	}
	if err := b.writeLocked(cmd); err != nil {
		return "", err
	}
	return StatusSent, nil
}

func (b *Bridge) writeLocked(cmd protocol.Command) error {
	if _, err := io.WriteString(b.stdin, cmd.Line()); err != nil {
		return fmt.Errorf("write %s command: %w", cmd.Kind, err)
	}
	return nil
}

// markReady flushes the pending queue in arrival order, once.
func (b *Bridge) markReady() {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return
	}
	b.ready = true
	flushed := len(b.pending)
	for _, cmd := range b.pending {
		if b.stdin == nil {
			break
		}
		if err := b.writeLocked(cmd); err != nil {
			b.logger.Warn("failed to flush pending command", slog.String("command", cmd.Kind.String()), slogError(err))
		}
	}
	b.pending = nil
	b.pendingCount.Store(0)
	b.mu.Unlock()

	b.readyFlag.Store(true)
	b.logger.Info("worker ready", slog.Int("flushed", flushed))
}

// attach wires the process pipes and starts the output reader.
func (b *Bridge) attach(stdin io.Writer, stdout io.Reader) <-chan struct{} {
	b.mu.Lock()
	b.stdin = stdin
	b.exited = false
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.readLoop(stdout)
	}()
	return done
}

// detach records a process exit: readiness resets and pending commands are kept.
func (b *Bridge) detach() {
	b.mu.Lock()
	b.stdin = nil
	b.ready = false
	b.exited = true
	pending := len(b.pending)
	b.mu.Unlock()
	b.readyFlag.Store(false)
	b.logger.Warn("worker detached", slog.Int("pending", pending))
}

func (b *Bridge) readLoop(stdout io.Reader) {
	var splitter protocol.LineSplitter
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range splitter.Feed(buf[:n]) {
				b.handleLine(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				b.logger.Warn("worker output read failed", slogError(err))
			}
			if splitter.Pending() > 0 {
				b.logger.Debug("discarding unterminated worker output", slog.Int("bytes", splitter.Pending()))
			}
			return
		}
	}
}

func (b *Bridge) handleLine(line string) {
	ev := protocol.Parse(line)
	if b.lines != nil {
		b.lines.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", ev.Kind())))
	}

	switch e := ev.(type) {
	case protocol.Empty:
		return
	case protocol.Malformed:
		b.logger.Warn("skipping malformed worker line", slogError(e.Err))
		return
	case protocol.Ready:
		b.markReady()
	case protocol.Text:
		b.outbox.push(e.Line)
	}

	for _, l := range b.listeners {
		l.HandleEvent(ev)
	}
}

func (b *Bridge) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/worker")
	lines, err := meter.Int64Counter("relay.worker.lines", metric.WithDescription("Worker output lines by kind"))
	if err != nil {
		return err
	}
	commands, err := meter.Int64Counter("relay.worker.commands", metric.WithDescription("Commands submitted to the worker"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("relay.worker.pending", metric.WithDescription("Commands waiting for readiness"))
	if err != nil {
		return err
	}
	b.lines = lines
	b.commands = commands
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(pending, int64(b.Pending()))
		return nil
	}, pending)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
