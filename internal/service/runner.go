package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

const defaultWaitDelay = 5 * time.Second

// Runner spawns the supervised process. Only one Process is expected per
// run, the Runner itself holds no state between launches.
type Runner struct {
	// WaitDelay bounds how long Wait drains the output pipes after the
	// process was killed or exited, grand children may keep them open.
	WaitDelay time.Duration
}

func NewRunner() *Runner {
	return &Runner{WaitDelay: defaultWaitDelay}
}

// Process is a started command. It is owned by the caller of Launch, which
// must Join or Kill it.
type Process struct {
	cmd     *exec.Cmd
	path    string
	stderr  lockedBuffer
	started time.Time

	done    chan struct{}
	stopped time.Time
	err     error
}

// Launch starts spec. Standard output is copied into stdout, standard error
// is kept in memory. The process runs in its own process group, cancelling
// ctx kills the whole group.
func (r *Runner) Launch(ctx context.Context, spec model.CommandSpec, stdout io.Writer) (*Process, error) {
	if stdout == nil {
		stdout = io.Discard
	}
	p := &Process{
		path: spec.Executable,
		done: make(chan struct{}),
	}

	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = &p.stderr
	cmd.WaitDelay = r.WaitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcess(cmd)
	}
	p.cmd = cmd

	slog.DebugContext(ctx, "launching", "path", spec.Executable, "args", spec.Args, "dir", spec.WorkDir)
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: spec.Executable, Err: err}
	}
	p.started = time.Now().UTC()
	slog.DebugContext(ctx, "launched", "pid", cmd.Process.Pid)

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stopped = time.Now().UTC()
	p.err = err
	close(p.done)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the process has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and was reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Join waits for the process to exit and returns its exit code. A non-zero
// code is returned together with a *ProcessError. When ctx ends first the
// process is killed, reaped and the context error is returned.
func (p *Process) Join(ctx context.Context) (int, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		if err := p.Kill(); err != nil {
			slog.ErrorContext(ctx, "killing process", "pid", p.Pid(), "error", err)
		}
		<-p.done
		return -1, ctx.Err()
	}
	return p.exitCode()
}

func (p *Process) exitCode() (int, error) {
	if p.err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(p.err, &exitErr):
		return exitErr.ExitCode(), &ProcessError{
			Path:     p.path,
			ExitCode: exitErr.ExitCode(),
			Stderr:   p.Stderr(),
		}
	case errors.Is(p.err, exec.ErrWaitDelay) && p.cmd.ProcessState != nil && p.cmd.ProcessState.Success():
		// the process itself succeeded, only a child held the pipes open
		return 0, nil
	default:
		return -1, fmt.Errorf("waiting for %s: %w", p.path, p.err)
	}
}

// Kill terminates the process group. It is safe to call it more than once
// and after the process has exited.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	err := killProcess(p.cmd)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Stderr returns what the process wrote to its standard error so far.
func (p *Process) Stderr() string {
	return string(bytes.TrimSpace(p.stderr.Bytes()))
}

// Started returns the time the process was spawned.
func (p *Process) Started() time.Time {
	return p.started
}

// Stopped returns the time the process was reaped, zero while it is alive.
func (p *Process) Stopped() time.Time {
	select {
	case <-p.done:
		return p.stopped
	default:
		return time.Time{}
	}
}

type lockedBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mx.Lock()
	defer b.mx.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
