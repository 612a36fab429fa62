// Package config は各サービスの設定を環境変数から読み込む。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Common は全サービスで共通の設定。
type Common struct {
	// Port はHTTPサーバーの待ち受けポート。
	Port string `env:"PORT" env-default:"8080"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
	// JWTSecret はJWTの署名・検証に使う共有シークレット。
	JWTSecret string `env:"JWT_SECRET" env-default:"dev-secret-change-me"`
	// OTLPEndpoint はトレースの送信先。空の場合はトレースを送信しない。
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// CORSOrigins はCORSで許可するオリジン。
	CORSOrigins []string `env:"CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `env:"DATABASE_PATH" env-default:"sitealert.db"`
}

// SMTP はメール送信の設定。Hostが空の場合はメールチャネルが未設定となる。
type SMTP struct {
	Host     string `env:"SMTP_HOST"`
	Port     string `env:"SMTP_PORT" env-default:"587"`
	Username string `env:"SMTP_USER"`
	Password string `env:"SMTP_PASS"`
	From     string `env:"SMTP_FROM" env-default:"alerts@sitealert.local"`
}

// Configured はSMTPが設定済みかを返す。
func (s SMTP) Configured() bool {
	return s.Host != ""
}

// Event source の種類。
const (
	EventSourceNone  = "none"
	EventSourceKafka = "kafka"
	EventSourceNATS  = "nats"
)

// Notification は通知サービスの設定。
type Notification struct {
	Common
	// SMTP はメールチャネルの設定。
	SMTP SMTP

	// DirectoryURL はディレクトリサービスのベースURL。
	DirectoryURL string `env:"DIRECTORY_URL" env-default:"http://localhost:8081"`
	// EventStoreURL はEvent ServiceのベースURL。空の場合は監査イベントを送らない。
	EventStoreURL string `env:"EVENTSTORE_URL"`
	// RoleMapFile はロールマップを上書きするJSONファイル。
	RoleMapFile string `env:"ROLE_MAP_FILE"`

	// DispatchConcurrency は1回の発火で同時に処理する受信者数の上限。
	DispatchConcurrency int `env:"DISPATCH_CONCURRENCY" env-default:"8"`
	// PushTimeout はアプリ内プッシュの送信タイムアウト。
	PushTimeout time.Duration `env:"PUSH_TIMEOUT" env-default:"2s"`
	// EmailTimeout はメール送信のタイムアウト。
	EmailTimeout time.Duration `env:"EMAIL_TIMEOUT" env-default:"10s"`
	// BreakerThreshold はメール送信の連続失敗でブレーカーが開くまでの回数。
	BreakerThreshold int `env:"MAIL_BREAKER_THRESHOLD" env-default:"5"`
	// BreakerCooldown はブレーカーが開いてから試行を再開するまでの時間。
	BreakerCooldown time.Duration `env:"MAIL_BREAKER_COOLDOWN" env-default:"30s"`

	// RedisAddr はプッシュのインスタンス間配信に使うRedis。空の場合はローカル配信のみ。
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisChannel  string        `env:"REDIS_PUSH_CHANNEL" env-default:"sitealert:push"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" env-default:"90s"`

	// EventSource は受信イベントの取得元（none, kafka, nats）。
	EventSource  string   `env:"EVENT_SOURCE" env-default:"none"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" env-default:"sitealert.events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" env-default:"sitealert-notification"`
	NATSURL      string   `env:"NATS_URL" env-default:"nats://localhost:4222"`
	NATSSubject  string   `env:"NATS_SUBJECT" env-default:"sitealert.events"`
	NATSQueue    string   `env:"NATS_QUEUE" env-default:"sitealert-notification"`
}

// Validate は設定値の整合性を検証する。
func (c *Notification) Validate() error {
	var errs []error
	if c.DispatchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CONCURRENCYは1以上である必要があります: %d", c.DispatchConcurrency))
	}
	if c.PushTimeout <= 0 || c.EmailTimeout <= 0 {
		errs = append(errs, errors.New("PUSH_TIMEOUTとEMAIL_TIMEOUTは正の値である必要があります"))
	}
	switch c.EventSource {
	case EventSourceNone, "":
	case EventSourceKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERSとKAFKA_TOPICが必要です"))
		}
	case EventSourceNATS:
		if c.NATSURL == "" || c.NATSSubject == "" {
			errs = append(errs, errors.New("NATS_URLとNATS_SUBJECTが必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知のEVENT_SOURCEです: %q", c.EventSource))
	}
	return errors.Join(errs...)
}

// Directory はディレクトリサービスの設定。
type Directory struct {
	Common

	// EventStoreURL はEvent ServiceのベースURL。空の場合はユーザー登録イベントを送らない。
	EventStoreURL string `env:"EVENTSTORE_URL"`
	// DevAuthEnabled は開発用トークン発行エンドポイントを有効にするか。
	DevAuthEnabled bool `env:"DEV_AUTH_ENABLED" env-default:"true"`
}

// Validate は設定値の整合性を検証する。
func (c *Directory) Validate() error {
	return nil
}

// EventStore はEvent Serviceの設定。
type EventStore struct {
	Common
}

// Validate は設定値の整合性を検証する。
func (c *EventStore) Validate() error {
	return nil
}

// validator は読み込み後に検証できる設定。
type validator interface {
	Validate() error
}

// Load は環境変数から設定を読み込み、検証する。
func Load[T any, PT interface {
	*T
	validator
}]() (*T, error) {
	cfg := PT(new(T))
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return (*T)(cfg), nil
}
