package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

const (
	DefaultTailInterval   = time.Second
	DefaultCreateAttempts = 10
	DefaultIdleCycles     = 10
)

// Liveness is the view of the supervised process the tailer needs.
type Liveness interface {
	Alive() bool
	Kill() error
}

// Cursor is the tailer progress. Line counts the forwarded lines and never
// decreases, not even when the file is reopened or rewritten. Restarts
// counts how often the file was truncated or replaced.
type Cursor struct {
	Line       int
	IdleCycles int
	Reopens    int
	Restarts   int
}

// Tailer forwards lines appended to a log file while a process is alive.
//
// The file may not exist at start. It is polled every Interval and a notice
// is logged for the first CreateAttempts polls, polling itself continues
// until the process ends. Once open, complete lines are forwarded to Sink in
// file order. After IdleCycles polls without a new line the file is closed
// and opened again, as some network filesystems stop showing appends to a
// long open handle. A file which shrinks below the bytes already read or
// is replaced by another file is read again from its start. When the
// process is gone, one final pass forwards what is left including a
// trailing line without a newline.
type Tailer struct {
	Sink           io.Writer
	Interval       time.Duration
	CreateAttempts int
	IdleCycles     int
	// Notify wakes the tailer on filesystem events in addition to polling.
	Notify bool
	// Open opens the log file, os.Open when nil.
	Open func(path string) (io.ReadCloser, error)
}

// NewTailer returns a tailer configured by cfg, nil cfg means defaults.
func NewTailer(sink io.Writer, cfg *model.Tail) *Tailer {
	t := &Tailer{
		Sink:           sink,
		Interval:       DefaultTailInterval,
		CreateAttempts: DefaultCreateAttempts,
		IdleCycles:     DefaultIdleCycles,
	}
	if cfg == nil {
		return t
	}
	if cfg.Interval.Duration > 0 {
		t.Interval = cfg.Interval.Duration
	}
	if cfg.CreateAttempts != nil {
		t.CreateAttempts = *cfg.CreateAttempts
	}
	if cfg.IdleCycles > 0 {
		t.IdleCycles = cfg.IdleCycles
	}
	t.Notify = cfg.Notify
	return t
}

// Run tails path until proc is not alive anymore and returns the final
// cursor. Read errors are logged and retried. When ctx is cancelled, the
// file is closed and proc is killed before the context error is returned.
func (t *Tailer) Run(ctx context.Context, path string, proc Liveness) (Cursor, error) {
	var cur Cursor
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	idleCycles := t.IdleCycles
	if idleCycles <= 0 {
		idleCycles = DefaultIdleCycles
	}
	open := t.Open
	if open == nil {
		open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}

	var wake <-chan struct{}
	if t.Notify {
		w, stop, err := watchFile(ctx, path)
		if err != nil {
			slog.WarnContext(ctx, "tail: file notifications are not available, polling only", "path", path, "error", err)
		} else {
			wake = w
			defer stop()
		}
	}

	var lr *lineReader
	// lines of the current file content forwarded by closed readers
	seen := 0
	defer func() {
		if lr != nil {
			lr.close(ctx)
		}
	}()

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return cur, t.cancel(ctx, proc, err)
		}

		// sampled before reading, a process which dies during the read
		// gets one more full pass
		alive := proc.Alive()

		if lr == nil {
			rc, err := open(path)
			switch {
			case err == nil:
				lr = &lineReader{rc: rc, r: bufio.NewReader(rc), skip: seen}
			case !alive:
				if cur.Line == 0 {
					slog.InfoContext(ctx, "tail: process ended before the log file was created", "path", path)
				}
				return cur, nil
			case !errors.Is(err, fs.ErrNotExist):
				slog.WarnContext(ctx, "tail: opening log file", "path", path, "error", err)
			case attempts < t.CreateAttempts:
				attempts++
				slog.InfoContext(ctx, "tail: waiting for the log file", "path", path, "attempt", attempts, "of", t.CreateAttempts)
			case attempts == t.CreateAttempts:
				attempts++
				slog.WarnContext(ctx, "tail: log file still does not exist, keep polling", "path", path)
			}
		}

		if lr != nil {
			if truncated, replaced := lr.restarted(path); truncated || replaced {
				if replaced {
					if _, err := lr.drain(ctx, &cur, t.Sink, true); err != nil {
						slog.WarnContext(ctx, "tail: reading replaced log file", "path", path, "error", err)
					}
				}
				slog.InfoContext(ctx, "tail: log file was rewritten, reading from the start", "path", path, "truncated", truncated, "line", cur.Line)
				lr.close(ctx)
				lr = nil
				seen = 0
				cur.IdleCycles = 0
				cur.Restarts++
				continue
			}

			n, err := lr.drain(ctx, &cur, t.Sink, !alive)
			if err != nil {
				slog.WarnContext(ctx, "tail: reading log file", "path", path, "error", err)
				seen = lr.line
				lr.close(ctx)
				lr = nil
			}
			if !alive {
				return cur, nil
			}
			if n > 0 {
				cur.IdleCycles = 0
			} else {
				cur.IdleCycles++
			}
			if lr != nil && cur.IdleCycles >= idleCycles {
				slog.DebugContext(ctx, "tail: no new lines, reopening", "path", path, "idle_cycles", cur.IdleCycles, "line", cur.Line)
				seen = lr.line
				lr.close(ctx)
				lr = nil
				cur.IdleCycles = 0
				cur.Reopens++
				continue
			}
		}

		if err := sleep(ctx, interval, wake); err != nil {
			return cur, t.cancel(ctx, proc, err)
		}
	}
}

func (t *Tailer) cancel(ctx context.Context, proc Liveness, err error) error {
	if kerr := proc.Kill(); kerr != nil {
		slog.ErrorContext(ctx, "tail: killing process", "error", kerr)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-wake:
	}
	return nil
}

// lineReader counts lines of one opened instance of the log file. The
// first skip lines were forwarded through an earlier handle.
type lineReader struct {
	rc      io.ReadCloser
	r       *bufio.Reader
	skip    int
	line    int
	offset  int64
	pending []byte
}

// restarted reports if the file shrank below the bytes already read or if
// path names another file now. Readers which cannot stat never restart.
func (l *lineReader) restarted(path string) (truncated, replaced bool) {
	f, ok := l.rc.(interface{ Stat() (fs.FileInfo, error) })
	if !ok {
		return false, false
	}
	fi, err := f.Stat()
	if err != nil {
		return false, false
	}
	if fi.Size() < l.offset {
		return true, false
	}
	cur, err := os.Stat(path)
	if err != nil {
		return false, false
	}
	return false, !os.SameFile(fi, cur)
}

// drain forwards complete lines after the skipped ones until EOF. With
// final set a trailing partial line is forwarded too.
func (l *lineReader) drain(ctx context.Context, cur *Cursor, sink io.Writer, final bool) (int, error) {
	var n int
	for {
		chunk, err := l.r.ReadBytes('\n')
		l.offset += int64(len(chunk))
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] != '\n' {
				l.pending = append(l.pending, chunk...)
			} else {
				line := chunk
				if len(l.pending) > 0 {
					line = append(l.pending, chunk...)
					l.pending = nil
				}
				if l.emit(ctx, cur, sink, line) {
					n++
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
	}

	if final && len(l.pending) > 0 {
		line := append(l.pending, '\n')
		l.pending = nil
		if l.emit(ctx, cur, sink, line) {
			n++
		}
	}
	return n, nil
}

func (l *lineReader) emit(ctx context.Context, cur *Cursor, sink io.Writer, line []byte) bool {
	l.line++
	if l.line <= l.skip {
		return false
	}
	cur.Line++
	if sink == nil {
		return true
	}
	if _, err := sink.Write(line); err != nil {
		slog.WarnContext(ctx, "tail: writing line", "line", cur.Line, "content", string(bytes.TrimSpace(line)), "error", err)
	}
	return true
}

func (l *lineReader) close(ctx context.Context) {
	if err := l.rc.Close(); err != nil {
		slog.DebugContext(ctx, "tail: closing log file", "error", err)
	}
}
