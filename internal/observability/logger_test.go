package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestFromContext_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, "info")

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithConversationID(ctx, "conv-1")
	FromContext(ctx, base).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "corr-1", line["correlation_id"])
	require.Equal(t, "conv-1", line["conversation_id"])
}

func TestNewJSONLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "warn")
	l.Info("dropped")
	require.Zero(t, buf.Len())
	l.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestSetLogger_IgnoresNil(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	SetLogger(nil)
	require.Same(t, prev, Logger())

	l := Discard()
	SetLogger(l)
	require.Same(t, l, Logger())
	require.Same(t, l, FromContext(context.Background(), nil))
}
