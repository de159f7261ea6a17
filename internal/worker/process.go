package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Run starts the worker process once and blocks until it exits or ctx is
// cancelled. The process is not restarted; an exit resets readiness and
// leaves queued commands in place.
func (b *Bridge) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.args[0], b.args[1:]...)
	cmd.Dir = b.cfg.Dir
	if len(b.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range b.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	var stderr io.ReadCloser
	if b.cfg.StderrLog {
		if stderr, err = cmd.StderrPipe(); err != nil {
			return fmt.Errorf("worker stderr: %w", err)
		}
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	b.logger.Info("worker started", slog.String("command", strings.Join(b.args, " ")), slog.Int("pid", cmd.Process.Pid))

	var wg sync.WaitGroup
	if stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.forwardStderr(stderr)
		}()
	}

	// A backgrounded child of the worker can keep its output pipes open after
	// the worker itself is killed, so cancellation closes our ends directly.
	stop := context.AfterFunc(ctx, func() {
		_ = stdout.Close()
		if stderr != nil {
			_ = stderr.Close()
		}
	})
	defer stop()

	// Pipes must be fully read before Wait closes them.
	<-b.attach(stdin, stdout)
	wg.Wait()
	waitErr := cmd.Wait()
	b.detach()

	if ctx.Err() != nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		b.logger.Error("worker exited", slog.Int("exit_code", exitErr.ExitCode()))
	} else if waitErr != nil {
		b.logger.Error("worker wait failed", slogError(waitErr))
	} else {
		b.logger.Warn("worker exited cleanly")
	}
	return nil
}

func (b *Bridge) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			b.logger.Debug("worker stderr", slog.String("line", line))
		}
	}
}
