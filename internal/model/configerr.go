package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one configuration problem, Path is the dotted field
// path such as build.ini.
type CueErrorDetail struct {
	Path    string
	Code    string // missing_required | unknown_field | conflicting_values | invalid_enum | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// enumValues lists the accepted values of closed string fields.
var enumValues = map[string][]string{
	"objectstudio.generation": {Generation7, Generation8},
	"service.log_format":      {LogFormatJSON, LogFormatText},
}

var cueRules = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`), "invalid_enum", "Field %s has invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "Field %s has wrong type/value"},
}

// CueErrDetails converts an error returned by LoadConfig into a list of
// messages a user can act on. Errors without a source position are
// skipped, non CUE errors yield nil.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		if _, ok := seen[pos]; ok {
			continue
		}
		seen[pos] = struct{}{}

		format, args := e.Msg()
		path := fieldPath(e.Path())
		d := CueErrorDetail{Path: path, Pos: pos}
		d.Code, d.Message = classify(fmt.Sprintf(format, args...), path)
		if values, ok := enumValues[path]; ok {
			d.Code = "invalid_enum"
			d.Message = fmt.Sprintf("Field %s has invalid value: possible values (%s)", field(path), strings.Join(values, ","))
		}
		out = append(out, d)
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	for _, r := range cueRules {
		if r.re.MatchString(raw) {
			return r.code, fmt.Sprintf(r.format, field(path))
		}
	}
	return "validation_error", raw
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// fieldPath drops the leading #Config definition.
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func field(path string) string {
	return path[strings.LastIndexByte(path, '.')+1:]
}
