// ディレクトリサービスのエントリポイント。
// 現場関係者のユーザー・役割・連絡先を管理し、通知サービスからの受信者検索に応える。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/sitealert/internal/directory"
	"github.com/nao1215/sitealert/pkg/config"
	"github.com/nao1215/sitealert/pkg/database"
	"github.com/nao1215/sitealert/pkg/httpclient"
	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ディレクトリサービスが異常終了しました", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load[config.Directory]()
	if err != nil {
		return err
	}
	log := logger.Init("directory", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "directory", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.Open(ctx, cfg.DatabasePath, directory.Migrations, directory.MigrationsDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var auditor directory.Auditor
	if cfg.EventStoreURL != "" {
		auditor = directory.NewEventStoreAuditor(httpclient.New(cfg.EventStoreURL))
	}
	if cfg.DevAuthEnabled {
		log.Warn("開発用トークン発行が有効です。本番環境では DEV_AUTH_ENABLED=false にしてください")
	}

	server := directory.NewServer(directory.ServerOptions{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		CORSOrigins:    cfg.CORSOrigins,
		DevAuthEnabled: cfg.DevAuthEnabled,
		Registry:       prometheus.NewRegistry(),
	}, directory.NewStore(db), auditor)

	log.Info("ディレクトリサービスを起動します", slog.String("port", cfg.Port))
	return server.Run(ctx)
}
