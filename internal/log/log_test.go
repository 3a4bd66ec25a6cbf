package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/CZERTAINLY/ostrun/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false, "json")

	ctx := log.ContextAttrs(t.Context(), slog.String("uuid", "abc"))
	ctx = log.ContextAttrs(ctx, slog.Int("build", 7))
	logger.InfoContext(ctx, "started")
	logger.DebugContext(ctx, "hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "started", rec["msg"])
	require.Equal(t, "abc", rec["uuid"])
	require.Equal(t, float64(7), rec["build"])
}

func TestSiblingContexts(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true, "text").With("component", "test")

	parent := log.ContextAttrs(t.Context(), slog.String("a", "1"))
	left := log.ContextAttrs(parent, slog.String("side", "left"))
	right := log.ContextAttrs(parent, slog.String("side", "right"))

	logger.DebugContext(left, "l")
	logger.DebugContext(right, "r")

	out := buf.String()
	require.Contains(t, out, "msg=l component=test a=1 side=left")
	require.Contains(t, out, "msg=r component=test a=1 side=right")
}
