package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/ostrun/internal/cmdline"
	"github.com/CZERTAINLY/ostrun/internal/log"
	"github.com/CZERTAINLY/ostrun/internal/model"
	"github.com/CZERTAINLY/ostrun/internal/stage"
	"github.com/CZERTAINLY/ostrun/internal/store"
)

const startTitle = "ObjectStudio"

// Supervisor runs one ObjectStudio build at a time: it stages the inputs,
// launches the process, tails its log and reports the result.
type Supervisor struct {
	cfg       model.Config
	assembler cmdline.Assembler
	runner    *Runner
	tailer    *Tailer
	stdout    io.Writer
	console   *console
	reporters []Reporter
	db        *sql.DB
}

type Option func(*Supervisor)

// WithStdout sets the console sink, os.Stdout by default. It receives the
// standard output of the process and the lines of its log file, both are
// written from their own goroutine. The supervisor serializes the writes,
// w needs no locking of its own.
func WithStdout(w io.Writer) Option {
	return func(s *Supervisor) { s.stdout = w }
}

// WithReporters adds reporters called after every run.
func WithReporters(reporters ...Reporter) Option {
	return func(s *Supervisor) { s.reporters = append(s.reporters, reporters...) }
}

// WithDB records runs in the build history and assigns build numbers.
func WithDB(db *sql.DB) Option {
	return func(s *Supervisor) { s.db = db }
}

func WithRunner(r *Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// WithTailer replaces the tailer built from the configuration. A nil Sink is
// replaced by the supervisor console, any other Sink is not serialized with
// the process output.
func WithTailer(t *Tailer) Option {
	return func(s *Supervisor) { s.tailer = t }
}

func NewSupervisor(cfg model.Config, opts ...Option) (*Supervisor, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	assembler, err := cmdline.For(cfg.ObjectStudio.Generation)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:       cfg,
		assembler: assembler,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	s.console = newConsole(s.stdout)
	if s.runner == nil {
		s.runner = NewRunner()
	}
	if s.tailer == nil {
		s.tailer = NewTailer(s.console, cfg.Tail)
	} else if s.tailer.Sink == nil {
		t := *s.tailer
		t.Sink = s.console
		s.tailer = &t
	}
	return s, nil
}

// Close releases the reporters.
func (s *Supervisor) Close(ctx context.Context) {
	closeReporters(ctx, s.reporters)
}

// runState is owned by a single Run.
type runState struct {
	build   model.BuildContext
	log     string
	facts   cmdline.Facts
	spec    model.CommandSpec
	proc    *Process
	cursor  Cursor
	started time.Time
}

// Run executes one build in host.Workspace. The returned report is filled
// as far as the run got, err is nil only when the process exited with 0.
// Staging errors match stage.ErrStaging, launch errors ErrLaunch, a non-zero
// exit ErrProcessFailure and cancellation the context error.
func (s *Supervisor) Run(ctx context.Context, host model.Host) (report model.Report, err error) {
	st := &runState{started: time.Now().UTC()}
	st.build.UUID = uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("run.uuid", st.build.UUID))

	report = model.Report{
		UUID:       st.build.UUID,
		Generation: s.cfg.ObjectStudio.Generation,
		Started:    st.started,
	}

	workspace, err := filepath.Abs(host.Workspace)
	if err != nil {
		return report, fmt.Errorf("resolving workspace: %w", err)
	}
	st.build.Workspace = workspace

	st.build.BuildNumber = s.buildNumber(ctx, st.build.UUID, host.BuildNumber)
	report.BuildNumber = st.build.BuildNumber
	ctx = log.ContextAttrs(ctx, slog.Int("run.build", st.build.BuildNumber))

	defer func() {
		s.cleanup(ctx, st)
		report = s.finish(ctx, st, report, err)
	}()

	stager, err := stage.NewStager(workspace, slog.Default())
	if err != nil {
		return report, err
	}
	defer func() {
		_ = stager.Close()
	}()

	if err := s.prepare(ctx, st, stager, host); err != nil {
		return report, err
	}
	report.Executable = st.spec.Executable
	report.Args = st.spec.Args
	report.WorkDir = st.spec.WorkDir
	report.Log = st.log

	err = s.execute(ctx, st, &report)
	return report, err
}

func (s *Supervisor) buildNumber(ctx context.Context, id string, hostNumber int) int {
	if s.db == nil {
		return hostNumber
	}
	n, err := store.Start(ctx, s.db, id, hostNumber)
	if err != nil {
		slog.ErrorContext(ctx, "recording build start", "error", err)
		return hostNumber
	}
	return n
}

// prepare resets the temp directory and stages all inputs. Files staged
// before a failure are left in place, the next run resets them.
func (s *Supervisor) prepare(ctx context.Context, st *runState, stager *stage.Stager, host model.Host) error {
	b := &st.build
	cfg := s.cfg.Build

	b.TempDir = filepath.Join(b.Workspace, model.TempDirName)
	if err := stager.ResetDir(b.TempDir); err != nil {
		return err
	}

	b.WorkDir = b.Workspace
	if cfg.Path != "" {
		b.WorkDir = stage.Resolve(b.Workspace, cfg.Path)
		if err := stager.MkdirAll(b.WorkDir); err != nil {
			return err
		}
	}

	b.Env = BuildEnv(cfg, b.TempDir)
	env := MergeEnv(os.Environ(), host.Env, b.Env)

	if !blank(cfg.Log) {
		st.log = stage.Resolve(b.WorkDir, cfg.Log)
		if err := os.Remove(st.log); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "deleting log file of a previous run", "path", st.log, "error", err)
		}
	}

	if !blank(cfg.Preload) {
		art, err := stager.Stage(ctx,
			stage.Resolve(b.WorkDir, cfg.Preload),
			stage.TempName(b.TempDir, b.BuildNumber, cfg.Preload),
			true)
		if err != nil {
			return err
		}
		st.facts.Preload = art.Path()
	}

	if !blank(cfg.Postload) {
		slog.DebugContext(ctx, "postload script is passed by environment", "name", EnvAfterLogonScript, "value", cfg.Postload)
	}

	if !blank(cfg.Ini) {
		_, err := stager.Stage(ctx,
			stage.Resolve(b.WorkDir, cfg.Ini),
			filepath.Join(b.WorkDir, model.IniName),
			true)
		if err != nil {
			return err
		}
	}

	image := s.cfg.ObjectStudio.ImagePath(cfg.Image)
	art, err := stager.Stage(ctx,
		stage.Resolve(b.WorkDir, image),
		stage.TempName(b.TempDir, b.BuildNumber, image),
		cfg.CopyImage())
	if err != nil {
		return err
	}
	st.facts.Image = art.Path()

	st.spec = model.CommandSpec{
		Executable: s.cfg.ObjectStudio.ExecutablePath(),
		Args:       s.assembler.Assemble(cfg, st.facts),
		WorkDir:    b.WorkDir,
		Env:        env,
	}
	if s.cfg.ObjectStudio.StartWrapper {
		st.spec = cmdline.WindowsStart(startTitle, st.spec)
	}

	slog.InfoContext(ctx, "build info",
		"generation", s.cfg.ObjectStudio.Generation,
		"executable", st.spec.Executable,
		"args", st.spec.Args,
		"workdir", b.WorkDir,
		"temp", b.TempDir,
		"image", st.facts.Image,
		"preload", st.facts.Preload,
		"postload", cfg.Postload,
		"log", st.log,
	)
	for _, k := range slices.Sorted(maps.Keys(b.Env)) {
		slog.DebugContext(ctx, "build environment", "name", k, "value", b.Env[k])
	}
	return nil
}

// execute launches the process, tails its log and joins it. Tail and join
// share one context, cancelling it kills the process.
func (s *Supervisor) execute(ctx context.Context, st *runState, report *model.Report) error {
	proc, err := s.runner.Launch(ctx, st.spec, s.console.output())
	if err != nil {
		return err
	}
	st.proc = proc
	defer func() {
		if err := s.console.flush(); err != nil {
			slog.WarnContext(ctx, "writing process output", "error", err)
		}
	}()

	var exitCode int
	var exitErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		code, err := proc.Join(gctx)
		if err != nil && gctx.Err() != nil {
			return err
		}
		exitCode, exitErr = code, err
		return nil
	})
	g.Go(func() error {
		if st.log == "" {
			return nil
		}
		cur, err := s.tailer.Run(gctx, st.log, proc)
		st.cursor = cur
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	report.ExitCode = &exitCode
	return exitErr
}

// cleanup runs after every Run. Staged files stay in the temp directory
// until the next run resets it.
func (s *Supervisor) cleanup(ctx context.Context, st *runState) {
	if st.proc != nil && st.proc.Alive() {
		slog.WarnContext(ctx, "cleanup: process still alive, killing", "pid", st.proc.Pid())
		_ = st.proc.Kill()
		<-st.proc.Done()
	}
	slog.DebugContext(ctx, "cleanup: nothing to remove", "temp", st.build.TempDir)
}

// finish completes the report, records it in the build history and hands it
// to reporters. Failures of both are logged only.
func (s *Supervisor) finish(ctx context.Context, st *runState, report model.Report, runErr error) model.Report {
	ctx = context.WithoutCancel(ctx)

	report.Stopped = time.Now().UTC()
	if st.proc != nil {
		report.Started = st.proc.Started()
		report.Stopped = st.proc.Stopped()
	}
	report.LogLines = st.cursor.Line
	report.Success = runErr == nil
	if runErr != nil {
		report.Error = runErr.Error()
		var perr *ProcessError
		if errors.As(runErr, &perr) {
			report.Stderr = perr.Stderr
		}
	}

	if s.db != nil {
		var err error
		if report.Success {
			err = store.FinishOK(ctx, s.db, report.UUID, *report.ExitCode)
		} else {
			err = store.FinishErr(ctx, s.db, report.UUID, report.ExitCode, report.Error)
		}
		if err != nil {
			slog.ErrorContext(ctx, "recording build result", "error", err)
		}
	}

	for _, r := range s.reporters {
		if err := r.Report(ctx, report); err != nil {
			slog.ErrorContext(ctx, "reporting build result", "error", err)
		}
	}

	if report.Success {
		slog.InfoContext(ctx, "build finished", "exit_code", *report.ExitCode, "log_lines", report.LogLines)
	} else {
		slog.ErrorContext(ctx, "build failed", "error", runErr)
	}
	return report
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
