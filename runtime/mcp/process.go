package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"goa.design/toolhost/config"
)

// killGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const killGrace = 5 * time.Second

// stderrTailSize bounds the retained child stderr used for diagnostics.
const stderrTailSize = 4096

type (
	// Process is a spawned tool server child. It owns the child's pipes and
	// its exit status. At most one live Process exists per server.
	Process struct {
		cmd     *exec.Cmd
		stdin   io.WriteCloser
		stdout  io.ReadCloser
		stderr  *tailBuffer
		started time.Time

		done    chan struct{}
		waitErr error

		stopOnce sync.Once
	}

	// tailBuffer retains the last n bytes written to it.
	tailBuffer struct {
		mu   sync.Mutex
		max  int
		data []byte
	}
)

// Spawn starts the configured server command with its environment merged
// over the parent's, wires the stdio pipes, and begins draining stderr into
// a bounded tail for diagnostics.
func Spawn(cfg config.Server) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Command, err)
	}

	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  &tailBuffer{max: stderrTailSize},
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		_, _ = io.Copy(p.stderr, stderr)
	}()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// StartTime returns when the child was spawned.
func (p *Process) StartTime() time.Time { return p.started }

// Stdin returns the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the child exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the child's exit error once Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// StderrTail returns the retained tail of the child's stderr.
func (p *Process) StderrTail() string { return p.stderr.String() }

// Stop terminates the child: SIGTERM first, SIGKILL after the grace period.
// Stop waits for the child to exit (bounded by the grace period plus ctx)
// and is idempotent.
func (p *Process) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		if !p.Alive() {
			return
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			return
		case <-time.After(killGrace):
		case <-ctx.Done():
		}
		if p.Alive() {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
