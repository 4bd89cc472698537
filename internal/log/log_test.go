package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentscraper/scrapectl/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("run_id", "A"))
	sibling := log.ContextAttrs(ctx, slog.String("op", "terminate"))
	_ = log.ContextAttrs(ctx, slog.String("op", "start"))

	logger.With("component", "supervisor").InfoContext(sibling, "stopping")
	logger.DebugContext(ctx, "hidden")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "stopping", m["msg"])
	require.Equal(t, "A", m["run_id"])
	require.Equal(t, "terminate", m["op"])
	require.Equal(t, "supervisor", m["component"])
}

func TestOutput(t *testing.T) {
	t.Parallel()
	for _, target := range []string{"", "stderr", "stdout", "discard"} {
		w, closeFn, err := log.Output(target)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.NoError(t, closeFn())
	}

	path := filepath.Join(t.TempDir(), "scrapectl.log")
	w, closeFn, err := log.Output(path)
	require.NoError(t, err)
	log.NewWriter(w, true).Debug("hello")
	require.NoError(t, closeFn())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)

	_, closeFn, err = log.Output(filepath.Join(t.TempDir(), "missing", "x.log"))
	require.Error(t, err)
	require.NotNil(t, closeFn)
}
