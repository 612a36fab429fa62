package notification

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nao1215/sitealert/pkg/circuitbreaker"
	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/logger"
)

// RecipientResolver はイベント種別から受信者を解決する。
type RecipientResolver interface {
	Resolve(ctx context.Context, t event.Type) ([]Recipient, error)
}

// PreferenceGetter はユーザーの配信設定を返す。
type PreferenceGetter interface {
	Get(ctx context.Context, userID string, t event.Type) (Preference, error)
}

// NotificationRecorder は通知台帳への書き込みを行う。
type NotificationRecorder interface {
	Create(ctx context.Context, n *Notification) error
	AppendChannels(ctx context.Context, id string, channels []Channel) error
}

// Config はDispatcherの構成要素。Resolver, Preferences, Ledgerは必須。
type Config struct {
	Resolver    RecipientResolver
	Preferences PreferenceGetter
	Ledger      NotificationRecorder

	// Pusher はアプリ内通知のリアルタイム配信手段。nilなら台帳記録のみ。
	Pusher Pusher
	// Mailer はメール送信手段。nilならメールチャネルは常に失敗する。
	Mailer Mailer
	// Breaker はメール送信を保護するサーキットブレーカー。
	Breaker *circuitbreaker.Breaker
	// Auditor は監査イベントの記録先。nilなら記録しない。
	Auditor Auditor
	// Metrics は指標。nilなら独立したレジストリに登録する。
	Metrics *Metrics

	// Concurrency は同時に処理する受信者数の上限。
	Concurrency int
	// PushTimeout はアプリ内プッシュのタイムアウト。
	PushTimeout time.Duration
	// EmailTimeout はメール送信のタイムアウト。
	EmailTimeout time.Duration
}

// Dispatcher はイベントを受け取り、受信者ごとに通知を生成して各チャネルへ配信する。
type Dispatcher struct {
	resolver    RecipientResolver
	prefs       PreferenceGetter
	ledger      NotificationRecorder
	sender      *channelSender
	auditor     Auditor
	metrics     *Metrics
	concurrency int
	tracer      trace.Tracer
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 2 * time.Second
	}
	if cfg.EmailTimeout <= 0 {
		cfg.EmailTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Dispatcher{
		resolver: cfg.Resolver,
		prefs:    cfg.Preferences,
		ledger:   cfg.Ledger,
		sender: &channelSender{
			pusher:       cfg.Pusher,
			mailer:       cfg.Mailer,
			breaker:      cfg.Breaker,
			pushTimeout:  cfg.PushTimeout,
			emailTimeout: cfg.EmailTimeout,
		},
		auditor:     cfg.Auditor,
		metrics:     cfg.Metrics,
		concurrency: cfg.Concurrency,
		tracer:      otel.Tracer("github.com/nao1215/sitealert/internal/notification"),
	}
}

// Summary は1回の発火の処理結果。
type Summary struct {
	EventType event.Type `json:"event_type"`
	// Recipients は解決された受信者数。
	Recipients int `json:"recipients"`
	// Created は台帳に記録された通知数。
	Created int `json:"created"`
	// Suppressed は全チャネル無効のため通知しなかった受信者数。
	Suppressed int `json:"suppressed"`
	// Failed は設定取得や台帳記録に失敗した受信者数。
	Failed int `json:"failed"`
	// Notifications は作成された通知のID。
	Notifications []string `json:"notifications"`
}

// outcome は受信者1人分の処理結果。
type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSuppressed
	outcomeCreated
)

type recipientResult struct {
	outcome        outcome
	notificationID string
}

// Trigger はイベントを発火し、対象の受信者へ通知を配信する。
//
// 受信者ごとの失敗（設定取得、台帳記録、チャネル配信）は記録して他の受信者の処理を続け、
// エラーとして返さない。エラーになるのは受信者の解決に失敗した場合のみ。
// 受信者の解決後にctxがキャンセルされても、全受信者の処理を終えてから戻る。
func (d *Dispatcher) Trigger(ctx context.Context, eventType string, data event.Payload) (Summary, error) {
	start := time.Now()
	t := event.Type(strings.TrimSpace(eventType))
	summary := Summary{EventType: t, Notifications: []string{}}

	ctx, span := d.tracer.Start(ctx, "notification.Trigger",
		trace.WithAttributes(attribute.String("event_type", string(t))))
	defer span.End()
	defer func() { d.metrics.TriggerDuration.Observe(time.Since(start).Seconds()) }()

	log := logger.From(ctx).With(slog.String("event_type", string(t)))

	recipients, err := d.resolver.Resolve(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recipient resolution failed")
		d.metrics.Triggers.WithLabelValues(string(t), "error").Inc()
		log.Error("受信者の解決に失敗しました", slog.String("error", err.Error()))
		return summary, fmt.Errorf("受信者の解決に失敗: %w", err)
	}
	summary.Recipients = len(recipients)
	span.SetAttributes(attribute.Int("recipients", len(recipients)))
	if len(recipients) == 0 {
		d.metrics.Triggers.WithLabelValues(string(t), "no_recipients").Inc()
		log.Info("通知対象の受信者がいません")
		return summary, nil
	}

	payload := data.WithDefaults(t)

	// 解決後は呼び出し元のキャンセルで残りの受信者を取りこぼさない。
	// チャネルごとのタイムアウトは引き続き適用される。
	work := context.WithoutCancel(ctx)
	results := make([]recipientResult, len(recipients))
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for i, r := range recipients {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.dispatchRecipient(work, t, payload, r)
		}()
	}
	wg.Wait()

	for _, res := range results {
		switch res.outcome {
		case outcomeCreated:
			summary.Created++
			summary.Notifications = append(summary.Notifications, res.notificationID)
		case outcomeSuppressed:
			summary.Suppressed++
		default:
			summary.Failed++
		}
	}

	d.metrics.Triggers.WithLabelValues(string(t), "ok").Inc()
	log.Info("イベントを配信しました",
		slog.Int("recipients", summary.Recipients),
		slog.Int("created", summary.Created),
		slog.Int("suppressed", summary.Suppressed),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// dispatchRecipient は受信者1人分の通知生成と配信を行う。パニックも失敗として扱う。
func (d *Dispatcher) dispatchRecipient(ctx context.Context, t event.Type, payload event.Payload, r Recipient) (res recipientResult) {
	ctx, span := d.tracer.Start(ctx, "notification.dispatchRecipient",
		trace.WithAttributes(attribute.String("recipient_id", r.ID)))
	defer span.End()

	log := logger.From(ctx).With(slog.String("event_type", string(t)), slog.String("recipient_id", r.ID))

	defer func() {
		if p := recover(); p != nil {
			d.metrics.RecipientFailures.WithLabelValues("panic").Inc()
			log.Error("受信者の処理中にパニックが発生しました", slog.Any("panic", p))
			span.SetStatus(codes.Error, "panic")
			res = recipientResult{outcome: outcomeFailed}
		}
	}()

	pref, err := d.prefs.Get(ctx, r.ID, t)
	if err != nil {
		d.metrics.RecipientFailures.WithLabelValues("preference").Inc()
		log.Error("配信設定の取得に失敗しました", slog.String("error", err.Error()))
		span.RecordError(err)
		return recipientResult{outcome: outcomeFailed}
	}

	enabled := pref.EnabledChannels()
	if len(enabled) == 0 {
		d.metrics.Suppressed.WithLabelValues(string(t)).Inc()
		log.Debug("全チャネルが無効のため通知しません")
		return recipientResult{outcome: outcomeSuppressed}
	}

	n := &Notification{
		RecipientID: r.ID,
		Title:       payload.Title,
		Message:     payload.Message,
		EventType:   t,
		Priority:    payload.Priority,
		Metadata:    maps.Clone(payload.Metadata),
	}
	// チャネル配信より先に台帳へ記録する
	if err := d.ledger.Create(ctx, n); err != nil {
		d.metrics.RecipientFailures.WithLabelValues("ledger").Inc()
		log.Error("通知の記録に失敗しました", slog.String("error", err.Error()))
		span.RecordError(err)
		return recipientResult{outcome: outcomeFailed}
	}
	d.metrics.Created.WithLabelValues(string(t)).Inc()

	sent := d.sendChannels(ctx, log, enabled, r, n)
	if len(sent) > 0 {
		if err := d.ledger.AppendChannels(ctx, n.ID, sent); err != nil {
			log.Error("配信チャネルの記録に失敗しました",
				slog.String("notification_id", n.ID), slog.String("error", err.Error()))
		} else {
			n.ChannelsSent = sent
		}
	}

	if d.auditor != nil {
		if err := d.auditor.NotificationSent(ctx, n); err != nil {
			log.Warn("監査イベントの記録に失敗しました",
				slog.String("notification_id", n.ID), slog.String("error", err.Error()))
		}
	}
	return recipientResult{outcome: outcomeCreated, notificationID: n.ID}
}

// sendChannels は有効なチャネルへ並行に配信し、配信できたチャネルを正規順序で返す。
// 結果は受信者ごとのチャネルで集約し、台帳への追記は呼び出し元が1回だけ行う。
func (d *Dispatcher) sendChannels(ctx context.Context, log *slog.Logger, enabled []Channel, r Recipient, n *Notification) []Channel {
	results := make(chan Result, len(enabled))
	for _, ch := range enabled {
		go func() {
			defer func() {
				if p := recover(); p != nil {
					results <- Result{Channel: ch, Err: fmt.Errorf("パニック: %v", p)}
				}
			}()
			results <- ch.send(ctx, d.sender, r, n)
		}()
	}

	sent := make([]Channel, 0, len(enabled))
	for range enabled {
		res := <-results
		d.metrics.observeChannel(res)
		attrs := []any{slog.String("channel", string(res.Channel)), slog.String("notification_id", n.ID)}
		if res.Err != nil {
			attrs = append(attrs, slog.String("error", res.Err.Error()))
		}
		switch {
		case !res.Delivered:
			log.Warn("チャネル配信に失敗しました", attrs...)
		case res.Err != nil:
			log.Warn("リアルタイムプッシュに失敗しました", attrs...)
		default:
			log.Debug("チャネル配信に成功しました", attrs...)
		}
		if res.Delivered {
			sent = append(sent, res.Channel)
		}
	}
	return sortChannels(sent)
}
