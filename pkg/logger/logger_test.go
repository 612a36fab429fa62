package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

// slog.SetDefaultを書き換えるため並列実行しない
func TestInitAndFrom(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	InitWithWriter(&buf, "notification", "info")

	t.Run("service属性が付与されること", func(t *testing.T) {
		buf.Reset()
		From(context.Background()).Info("hello")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "notification", line["service"])
		assert.NotContains(t, line, "trace_id")
	})

	t.Run("スパンがあればtrace_idが付与されること", func(t *testing.T) {
		buf.Reset()
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		From(ctx).Info("traced")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", line["trace_id"])
		assert.Equal(t, "00f067aa0ba902b7", line["span_id"])
	})

	t.Run("debugはinfoレベルでは出力されないこと", func(t *testing.T) {
		buf.Reset()
		From(context.Background()).Debug("hidden")
		assert.Zero(t, buf.Len())
	})
}
