//go:build unix

package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/ostrun/internal/model"
	"github.com/CZERTAINLY/ostrun/internal/service"
	"github.com/CZERTAINLY/ostrun/internal/stage"
	"github.com/CZERTAINLY/ostrun/internal/store"
)

// fakeStudio mimics ObjectStudio 7: it writes its log file named by -o,
// prints its arguments and environment and exits with OSTRUN_TEST_EXIT.
const fakeStudio = `#!/bin/sh
log=""
for a in "$@"; do
	case "$a" in
		-o*) log="${a#-o}" ;;
	esac
done
echo "args: $*"
echo "temp: $TEMP tmp: $TMP after: $AFTERLOGONSCRIPT"
test -f ostudio.ini || { echo "ostudio.ini is missing" 1>&2; exit 4; }
printf 'line 1\nline 2\n' > "$log"
sleep "${OSTRUN_TEST_SLEEP:-0}"
printf 'line 3\n' >> "$log"
if [ "${OSTRUN_TEST_EXIT:-0}" != 0 ]; then
	echo "fatal: image is corrupt" 1>&2
fi
exit "${OSTRUN_TEST_EXIT:-0}"
`

type fixture struct {
	install   string
	workspace string
	cfg       model.Config
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	lookSh(t)

	install := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(install, "ostudio.exe"), []byte(fakeStudio), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(install, "ostudio.img"), []byte("image"), 0o644))

	ws := t.TempDir()
	build := filepath.Join(ws, "build")
	require.NoError(t, os.MkdirAll(build, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "settings.ini"), []byte("[ostudio]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(build, "preload.txt"), []byte("preload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(build, "ostudio.log"), []byte("stale line\n"), 0o644))

	cfg := model.DefaultConfig(t.Context())
	cfg.ObjectStudio.Path = install
	cfg.Build.Path = "build"
	cfg.Build.Ini = "../settings.ini"
	cfg.Tail = &model.Tail{Interval: model.Duration{Duration: 20 * time.Millisecond}}

	return fixture{install: install, workspace: ws, cfg: cfg}
}

func (f fixture) supervisor(t *testing.T, stdout *syncBuffer, opts ...service.Option) *service.Supervisor {
	t.Helper()
	opts = append([]service.Option{service.WithStdout(stdout)}, opts...)
	s, err := service.NewSupervisor(f.cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestSupervisor_Run(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var stdout syncBuffer
	var reports bytes.Buffer
	s := f.supervisor(t, &stdout, service.WithReporters(service.NewWriteReporter(&reports)))

	report, err := s.Run(t.Context(), model.Host{Workspace: f.workspace, BuildNumber: 7})
	require.NoError(t, err)

	temp := filepath.Join(f.workspace, "TEMP")
	build := filepath.Join(f.workspace, "build")
	out := stdout.String()
	require.Contains(t, out, "args: -i"+filepath.Join(temp, "7ostudio.img")+" -l"+filepath.Join(temp, "7preload.txt")+" -Aload.txt -oostudio.log -E50\n")
	require.Contains(t, out, "temp: "+temp+" tmp: "+temp+" after: postload.txt\n")
	require.Contains(t, out, "line 1\nline 2\n")
	require.Contains(t, out, "line 3\n")
	require.NotContains(t, out, "stale line")
	require.Equal(t, 1, strings.Count(out, "line 1\n"))

	require.FileExists(t, filepath.Join(temp, "7ostudio.img"))
	require.FileExists(t, filepath.Join(temp, "7preload.txt"))
	ini, err := os.ReadFile(filepath.Join(build, "ostudio.ini"))
	require.NoError(t, err)
	require.Equal(t, "[ostudio]", string(ini))

	require.True(t, report.Success)
	require.Equal(t, 7, report.BuildNumber)
	require.NotEmpty(t, report.UUID)
	require.Equal(t, filepath.Join(f.install, "ostudio.exe"), report.Executable)
	require.Equal(t, build, report.WorkDir)
	require.Equal(t, filepath.Join(build, "ostudio.log"), report.Log)
	require.NotNil(t, report.ExitCode)
	require.Zero(t, *report.ExitCode)
	require.Equal(t, 3, report.LogLines)
	require.Empty(t, report.Error)

	var published model.Report
	require.NoError(t, json.Unmarshal(reports.Bytes(), &published))
	require.Equal(t, report.UUID, published.UUID)
	require.True(t, published.Success)
}

func TestSupervisor_PlainWriter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var stdout bytes.Buffer
	s, err := service.NewSupervisor(f.cfg, service.WithStdout(&stdout))
	require.NoError(t, err)

	for i := range 5 {
		stdout.Reset()
		_, err := s.Run(t.Context(), model.Host{Workspace: f.workspace, BuildNumber: i + 1})
		require.NoError(t, err)
		out := stdout.String()
		require.Contains(t, out, "line 1\nline 2\n")
		require.Contains(t, out, "line 3\n")
		for _, line := range strings.SplitAfter(out, "\n") {
			if line == "" {
				continue
			}
			require.Regexp(t, `^(args: |temp: |line [123]\n$)`, line)
		}
	}
}

func TestSupervisor_StaleLogOutsideWorkspace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	log := filepath.Join(t.TempDir(), "ostudio.log")
	require.NoError(t, os.WriteFile(log, []byte("stale line\n"), 0o644))
	f.cfg.Build.Log = log
	var stdout syncBuffer

	report, err := f.supervisor(t, &stdout).Run(t.Context(), model.Host{Workspace: f.workspace, BuildNumber: 2})
	require.NoError(t, err)

	out := stdout.String()
	require.NotContains(t, out, "stale line")
	require.Contains(t, out, "line 1\nline 2\n")
	require.Contains(t, out, "line 3\n")
	require.Equal(t, log, report.Log)
	require.Equal(t, 3, report.LogLines)

	content, err := os.ReadFile(log)
	require.NoError(t, err)
	require.Equal(t, "line 1\nline 2\nline 3\n", string(content))
}

func TestSupervisor_ImageInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	no := false
	f.cfg.Build.ImageCopy = &no
	f.cfg.Build.Preload = " "
	var stdout syncBuffer

	_, err := f.supervisor(t, &stdout).Run(t.Context(), model.Host{Workspace: f.workspace, BuildNumber: 1})
	require.NoError(t, err)
	require.Contains(t, stdout.String(), "args: -i"+filepath.Join(f.install, "ostudio.img")+" -Aload.txt")
	require.NotContains(t, stdout.String(), " -l")
	require.NoFileExists(t, filepath.Join(f.workspace, "TEMP", "1ostudio.img"))
}

func TestSupervisor_ProcessFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var stdout syncBuffer

	report, err := f.supervisor(t, &stdout).Run(t.Context(), model.Host{
		Workspace: f.workspace,
		Env:       map[string]string{"OSTRUN_TEST_EXIT": "5"},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, service.ErrProcessFailure)
	require.Contains(t, err.Error(), "fatal: image is corrupt")

	require.False(t, report.Success)
	require.NotNil(t, report.ExitCode)
	require.Equal(t, 5, *report.ExitCode)
	require.Equal(t, "fatal: image is corrupt", report.Stderr)
	require.Contains(t, report.Error, "fatal: image is corrupt")
	require.Equal(t, 3, report.LogLines)
}

func TestSupervisor_StagingFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.Build.Image = "missing.img"
	var stdout syncBuffer

	report, err := f.supervisor(t, &stdout).Run(t.Context(), model.Host{Workspace: f.workspace, BuildNumber: 3})
	require.ErrorIs(t, err, stage.ErrStaging)
	require.Contains(t, err.Error(), "missing.img")
	require.False(t, report.Success)
	require.Nil(t, report.ExitCode)
	require.Empty(t, stdout.String())

	// staged before the failure, kept until the next run resets TEMP
	require.FileExists(t, filepath.Join(f.workspace, "TEMP", "3preload.txt"))
	require.NoFileExists(t, filepath.Join(f.workspace, "build", "ostudio.log"))
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.ObjectStudio.Executable = filepath.Join(f.install, "missing.exe")
	var stdout syncBuffer

	report, err := f.supervisor(t, &stdout).Run(t.Context(), model.Host{Workspace: f.workspace})
	require.ErrorIs(t, err, service.ErrLaunch)
	require.Contains(t, err.Error(), "missing.exe")
	require.False(t, report.Success)
}

func TestSupervisor_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var stdout syncBuffer
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	type result struct {
		report model.Report
		err    error
	}
	s := f.supervisor(t, &stdout)
	done := make(chan result, 1)
	go func() {
		report, err := s.Run(ctx, model.Host{
			Workspace: f.workspace,
			Env:       map[string]string{"OSTRUN_TEST_SLEEP": "60"},
		})
		done <- result{report: report, err: err}
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "line 2\n")
	}, 10*time.Second, 10*time.Millisecond)
	start := time.Now()
	cancel()

	res := <-done
	require.ErrorIs(t, res.err, context.Canceled)
	require.Less(t, time.Since(start), 10*time.Second)
	require.False(t, res.report.Success)
	require.Nil(t, res.report.ExitCode)
	require.NotContains(t, stdout.String(), "line 3")
}

func TestSupervisor_History(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "builds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var stdout syncBuffer
	s := f.supervisor(t, &stdout, service.WithDB(db))

	first, err := s.Run(t.Context(), model.Host{Workspace: f.workspace})
	require.NoError(t, err)
	require.Equal(t, 1, first.BuildNumber)

	second, err := s.Run(t.Context(), model.Host{
		Workspace: f.workspace,
		Env:       map[string]string{"OSTRUN_TEST_EXIT": "2"},
	})
	require.Error(t, err)
	require.Equal(t, 2, second.BuildNumber)
	// the temp directory is reset for every run
	require.NoFileExists(t, filepath.Join(f.workspace, "TEMP", "1ostudio.img"))
	require.FileExists(t, filepath.Join(f.workspace, "TEMP", "2ostudio.img"))

	row, err := store.Get(t.Context(), db, first.UUID)
	require.NoError(t, err)
	require.True(t, *row.Success)

	row, err = store.Get(t.Context(), db, second.UUID)
	require.NoError(t, err)
	require.False(t, *row.Success)
	require.Equal(t, 2, *row.ExitCode)
	require.Contains(t, *row.FailureReason, "fatal: image is corrupt")
}

func TestNewSupervisor(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())

	cfg.ObjectStudio.Generation = "9"
	_, err := service.NewSupervisor(cfg)
	require.EqualError(t, err, `unsupported ObjectStudio generation "9"`)

	cfg.ObjectStudio.Generation = model.Generation8
	cfg.Version = 1
	_, err = service.NewSupervisor(cfg)
	require.EqualError(t, err, "config version 1 is not supported, expected 0")
}
