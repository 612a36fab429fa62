// Package logger はslogによるJSON構造化ログの初期化と、
// OpenTelemetryのトレースIDを付与したロガーの取得を提供する。
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Init はJSON形式のロガーを生成し、slogの既定ロガーとして設定する。
// すべてのログ行に "service" 属性が付与される。
func Init(service, level string) *slog.Logger {
	return InitWithWriter(os.Stdout, service, level)
}

// InitWithWriter は出力先を指定してInitと同じ初期化を行う。
func InitWithWriter(w io.Writer, service, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	l := slog.New(slog.NewJSONHandler(w, opts)).With(slog.String("service", service))
	slog.SetDefault(l)
	return l
}

// ParseLevel はログレベル文字列をslog.Levelに変換する。
// 不明な値はInfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// From はコンテキストのスパン情報（trace_id, span_id）を付与したロガーを返す。
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
