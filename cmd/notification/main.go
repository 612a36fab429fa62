// 通知サービスのエントリポイント。
// 現場で発生したイベントを受け取り、役割に応じた受信者へアプリ内通知とメールを配信する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/sitealert/internal/notification"
	"github.com/nao1215/sitealert/pkg/circuitbreaker"
	"github.com/nao1215/sitealert/pkg/config"
	"github.com/nao1215/sitealert/pkg/database"
	"github.com/nao1215/sitealert/pkg/httpclient"
	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("通知サービスが異常終了しました", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// runner はctxがキャンセルされるまで動き続けるバックグラウンド処理。
type runner interface {
	Run(ctx context.Context) error
}

func run() error {
	cfg, err := config.Load[config.Notification]()
	if err != nil {
		return err
	}
	log := logger.Init("notification", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "notification", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.Open(ctx, cfg.DatabasePath, notification.Migrations, notification.MigrationsDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := notification.NewMetrics(reg)

	roles := notification.DefaultRoleMap()
	if cfg.RoleMapFile != "" {
		if roles, err = notification.LoadRoleMap(cfg.RoleMapFile); err != nil {
			return err
		}
		log.Info("ロールマップを読み込みました", slog.String("path", cfg.RoleMapFile))
	}

	hub := notification.NewHub(metrics.Connections, cfg.CORSOrigins...)
	var pusher notification.Pusher = hub
	var background []runner

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		broker := notification.NewRedisBroker(rdb, hub, cfg.RedisChannel, cfg.PresenceTTL)
		pusher = broker
		background = append(background, broker)
		log.Info("Redisによるインスタンス間プッシュを有効にしました", slog.String("addr", cfg.RedisAddr))
	}

	var mailer notification.Mailer
	if cfg.SMTP.Configured() {
		mailer = notification.NewSMTPMailer(notification.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	} else {
		log.Warn("SMTPが未設定のためメールチャネルは配信されません")
	}

	var auditor notification.Auditor
	if cfg.EventStoreURL != "" {
		auditor = notification.NewEventStoreAuditor(httpclient.New(cfg.EventStoreURL))
	}

	ledger := notification.NewLedger(db)
	prefs := notification.NewPreferenceStore(db)
	dispatcher := notification.NewDispatcher(notification.Config{
		Resolver:     notification.NewResolver(roles, notification.NewDirectoryClient(httpclient.New(cfg.DirectoryURL))),
		Preferences:  prefs,
		Ledger:       ledger,
		Pusher:       pusher,
		Mailer:       mailer,
		Breaker:      circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown, 1),
		Auditor:      auditor,
		Metrics:      metrics,
		Concurrency:  cfg.DispatchConcurrency,
		PushTimeout:  cfg.PushTimeout,
		EmailTimeout: cfg.EmailTimeout,
	})

	switch cfg.EventSource {
	case config.EventSourceKafka:
		c := notification.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, dispatcher)
		defer c.Close()
		background = append(background, c)
	case config.EventSourceNATS:
		c, err := notification.NewNATSConsumer(cfg.NATSURL, cfg.NATSSubject, cfg.NATSQueue, dispatcher)
		if err != nil {
			return err
		}
		defer c.Close()
		background = append(background, c)
	}

	server := notification.NewServer(notification.ServerOptions{
		Port:        cfg.Port,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Registry:    reg,
	}, ledger, prefs, dispatcher, hub)

	var wg sync.WaitGroup
	for _, r := range background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Error("バックグラウンド処理が停止しました", slog.String("error", err.Error()))
				stop()
			}
		}()
	}

	log.Info("通知サービスを起動します",
		slog.String("port", cfg.Port), slog.String("event_source", cfg.EventSource))
	err = server.Run(ctx)
	stop()
	wg.Wait()
	return err
}
