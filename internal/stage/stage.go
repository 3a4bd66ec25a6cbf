// Package stage copies build inputs into the build scoped area of a
// workspace. All writes go through an [os.Root] opened on the workspace, so
// a misconfigured destination cannot escape it. Sources may live anywhere.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

// ErrStaging is matched by every [StagingError].
var ErrStaging = errors.New("staging failed")

var errOutside = errors.New("path is outside of the workspace")

// StagingError aborts a run. Op is one of open, create, copy or reset.
type StagingError struct {
	Op     string
	Source string
	Dest   string
	Err    error
}

func (e *StagingError) Error() string {
	switch {
	case e.Source != "" && e.Dest != "":
		return fmt.Sprintf("staging %s %s -> %s: %v", e.Op, e.Source, e.Dest, e.Err)
	case e.Source != "":
		return fmt.Sprintf("staging %s %s: %v", e.Op, e.Source, e.Err)
	default:
		return fmt.Sprintf("staging %s %s: %v", e.Op, e.Dest, e.Err)
	}
}

func (e *StagingError) Unwrap() error { return e.Err }

func (e *StagingError) Is(target error) bool { return target == ErrStaging }

type Stager struct {
	workspace string
	root      *os.Root
	logger    *slog.Logger
}

// NewStager opens the workspace root. The caller must Close the stager.
func NewStager(workspace string, logger *slog.Logger) (*Stager, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		workspace: abs,
		root:      root,
		logger:    logger,
	}, nil
}

func (s *Stager) Close() error {
	return s.root.Close()
}

// Workspace returns the absolute workspace directory.
func (s *Stager) Workspace() string {
	return s.workspace
}

// Stage makes src available at dst. Identical paths are a no-op, isolate
// false references src in place, otherwise the bytes are copied and any
// existing dst is overwritten.
func (s *Stager) Stage(ctx context.Context, src, dst string, isolate bool) (model.StagedArtifact, error) {
	src = Resolve(s.workspace, src)
	dst = Resolve(s.workspace, dst)
	art := model.StagedArtifact{Source: src, Dest: dst, Isolated: isolate}

	if err := ctx.Err(); err != nil {
		return art, err
	}

	if !isolate {
		s.logger.DebugContext(ctx, "stage: referenced in place", "path", src)
		return art, nil
	}

	if src == dst {
		s.logger.InfoContext(ctx, "stage: source and destination are the same file, nothing to copy", "path", src)
		return art, nil
	}

	rel, err := s.rel(dst)
	if err != nil {
		return art, &StagingError{Op: "create", Source: src, Dest: dst, Err: err}
	}

	in, err := os.Open(src)
	if err != nil {
		return art, &StagingError{Op: "open", Source: src, Err: err}
	}
	defer in.Close()

	if err := s.root.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		return art, &StagingError{Op: "create", Source: src, Dest: dst, Err: err}
	}
	out, err := s.root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return art, &StagingError{Op: "create", Source: src, Dest: dst, Err: err}
	}

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	cerr := out.Close()
	if ctx.Err() != nil {
		_ = s.root.Remove(rel)
		return art, fmt.Errorf("copy %s: %w", src, ctx.Err())
	}
	if err == nil {
		err = cerr
	}
	if err != nil {
		return art, &StagingError{Op: "copy", Source: src, Dest: dst, Err: err}
	}

	s.logger.DebugContext(ctx, "stage: copied", "source", src, "dest", dst, "bytes", n)
	return art, nil
}

// ResetDir removes dir with all its content and creates it again empty.
// The workspace itself cannot be reset.
func (s *Stager) ResetDir(dir string) error {
	dir = Resolve(s.workspace, dir)
	rel, err := s.rel(dir)
	if err == nil && rel == "." {
		err = errors.New("refusing to reset the workspace root")
	}
	if err != nil {
		return &StagingError{Op: "reset", Dest: dir, Err: err}
	}
	if err := s.root.RemoveAll(rel); err != nil {
		return &StagingError{Op: "reset", Dest: dir, Err: err}
	}
	if err := s.root.MkdirAll(rel, 0o755); err != nil {
		return &StagingError{Op: "reset", Dest: dir, Err: err}
	}
	return nil
}

// MkdirAll creates a directory inside the workspace.
func (s *Stager) MkdirAll(dir string) error {
	dir = Resolve(s.workspace, dir)
	rel, err := s.rel(dir)
	if err != nil {
		return &StagingError{Op: "create", Dest: dir, Err: err}
	}
	if err := s.root.MkdirAll(rel, 0o755); err != nil {
		return &StagingError{Op: "create", Dest: dir, Err: err}
	}
	return nil
}

func (s *Stager) rel(path string) (string, error) {
	rel, err := filepath.Rel(s.workspace, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutside
	}
	return rel, nil
}

// TempName is the collision free destination of a staged file:
// {tempDir}/{buildNumber}{basename} with spaces replaced by underscores.
func TempName(tempDir string, buildNumber int, source string) string {
	base := strings.ReplaceAll(filepath.Base(source), " ", "_")
	return filepath.Join(tempDir, strconv.Itoa(buildNumber)+base)
}

// Resolve returns name when absolute, otherwise name joined to base.
func Resolve(base, name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(base, name)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
