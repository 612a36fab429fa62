// イベントストアサービスのエントリポイント。
// 通知の送信やユーザー登録を追記のみの監査ログとして保存する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/sitealert/internal/eventstore"
	"github.com/nao1215/sitealert/pkg/config"
	"github.com/nao1215/sitealert/pkg/database"
	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("イベントストアサービスが異常終了しました", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load[config.EventStore]()
	if err != nil {
		return err
	}
	log := logger.Init("eventstore", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "eventstore", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.Open(ctx, cfg.DatabasePath, eventstore.Migrations, eventstore.MigrationsDir)
	if err != nil {
		return err
	}
	defer db.Close()

	server := eventstore.NewServer(cfg.Port, eventstore.NewStore(db), nil)
	log.Info("イベントストアサービスを起動します", slog.String("port", cfg.Port))
	return server.Run(ctx)
}
