// Package cmdline turns a build configuration into the argument vector of
// a specific ObjectStudio generation. Assemblers are pure: they never touch
// the filesystem and never validate, missing values are simply left out.
package cmdline

import (
	"fmt"
	"strings"

	"github.com/CZERTAINLY/ostrun/internal/model"
)

// Facts are resolved at run time by the supervisor. Empty means absent.
type Facts struct {
	Image   string // effective image path, staged or in place
	Preload string // staged preload script
}

type Assembler interface {
	Assemble(cfg model.Build, facts Facts) []string
}

// For returns the assembler of a generation.
func For(generation string) (Assembler, error) {
	switch generation {
	case model.Generation7:
		return ObjectStudio7{}, nil
	case model.Generation8:
		return ObjectStudio8{}, nil
	default:
		return nil, fmt.Errorf("unsupported ObjectStudio generation %q", generation)
	}
}

// ObjectStudio7 passes everything as adjacent flags:
//
//	-i<image> -l<preload> -A<load> -o<log> <parameters...>
type ObjectStudio7 struct{}

func (ObjectStudio7) Assemble(cfg model.Build, facts Facts) []string {
	args := []string{"-i" + facts.Image}
	if !blank(facts.Preload) {
		args = append(args, "-l"+facts.Preload)
	}
	if !blank(cfg.Load) {
		args = append(args, "-A"+cfg.Load)
	}
	if !blank(cfg.Log) {
		args = append(args, "-o"+cfg.Log)
	}
	return append(args, Split(cfg.Parameters)...)
}

// ObjectStudio8 runs on the VisualWorks VM. VM parameters and the image come
// first, the ObjectStudio parameters are joined into one token after -ostudio:
//
//	-xq <vw parameters...> <image> -ostudio " -l<preload> -A<load> -o'<log>' <parameters>"
type ObjectStudio8 struct{}

func (ObjectStudio8) Assemble(cfg model.Build, facts Facts) []string {
	var args []string
	if cfg.MemoryReport() {
		args = append(args, "-xq")
	}
	args = append(args, Split(cfg.VWParameters)...)
	args = append(args, facts.Image)

	var sb strings.Builder
	if !blank(facts.Preload) {
		sb.WriteString(" -l" + facts.Preload)
	}
	if !blank(cfg.Load) {
		sb.WriteString(" -A" + cfg.Load)
	}
	if !blank(cfg.Log) {
		sb.WriteString(" -o'" + cfg.Log + "'")
	}
	if !blank(cfg.Parameters) {
		sb.WriteString(" " + cfg.Parameters)
	}
	return append(args, "-ostudio", sb.String())
}

// Split breaks free-form parameters on whitespace. Empty tokens produced by
// repeated spaces are dropped.
func Split(params string) []string {
	return strings.Fields(params)
}

// WindowsStart wraps spec into CMD.EXE start /WAIT, so ObjectStudio gets its
// own console window while the caller still waits for it to exit.
func WindowsStart(title string, spec model.CommandSpec) model.CommandSpec {
	args := make([]string, 0, len(spec.Args)+6)
	args = append(args, "/Q", "/C", "start", `"`+title+`"`, "/WAIT", spec.Executable)
	args = append(args, spec.Args...)
	spec.Args = args
	spec.Executable = `C:\Windows\System32\CMD.EXE`
	return spec
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
