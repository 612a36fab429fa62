package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/logger"
)

// Triggerer はイベントを発火する。Dispatcherが実装する。
type Triggerer interface {
	Trigger(ctx context.Context, eventType string, data event.Payload) (Summary, error)
}

// triggerMessage はメッセージブローカーから受け取る発火要求。
type triggerMessage struct {
	EventType string         `json:"event_type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority"`
	Metadata  map[string]any `json:"metadata"`
}

// errMalformedMessage は読み捨てるべき不正なメッセージを表す。
var errMalformedMessage = errors.New("不正な発火メッセージです")

// handleTriggerMessage はメッセージをデコードしてイベントを発火する。
func handleTriggerMessage(ctx context.Context, trig Triggerer, data []byte) (Summary, error) {
	var m triggerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if strings.TrimSpace(m.EventType) == "" {
		return Summary{}, fmt.Errorf("%w: event_typeがありません", errMalformedMessage)
	}
	return trig.Trigger(ctx, m.EventType, event.Payload{
		Title:    m.Title,
		Message:  m.Message,
		Priority: event.Priority(m.Priority),
		Metadata: m.Metadata,
	})
}

// kafkaReader はkafka.Readerのうち消費に使う操作。
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer はKafkaトピックから発火要求を読み取るコンシューマ。
type KafkaConsumer struct {
	reader  kafkaReader
	trig    Triggerer
	backoff time.Duration
}

// NewKafkaConsumer はコンシューマグループで購読するKafkaConsumerを生成する。
func NewKafkaConsumer(brokers []string, topic, groupID string, trig Triggerer) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: time.Second,
		}),
		trig:    trig,
		backoff: time.Second,
	}
}

// Run はctxがキャンセルされるまでメッセージを処理する。
//
// 不正なメッセージはコミットして読み捨てる。受信者の解決に失敗したメッセージは
// backoffを挟んで同じメッセージを再試行し、成功するまで次のメッセージへ進まない。
// 再試行中にctxがキャンセルされた場合はコミットせずに終了し、再起動後に同じオフセットから読み直す。
func (c *KafkaConsumer) Run(ctx context.Context) error {
	log := logger.From(ctx).With(slog.String("source", "kafka"))
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("メッセージの取得に失敗しました", slog.String("error", err.Error()))
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		if !c.process(ctx, log, m) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error("オフセットのコミットに失敗しました", slog.String("error", err.Error()))
		}
	}
}

// process はメッセージを発火に成功するか不正と判定されるまで処理する。
// 後続のメッセージをコミットすると失敗したオフセットも確定するため、失敗時はその場で再試行する。
// ctxがキャンセルされて処理を終えられなかった場合はfalseを返す。
func (c *KafkaConsumer) process(ctx context.Context, log *slog.Logger, m kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		summary, err := handleTriggerMessage(ctx, c.trig, m.Value)
		switch {
		case errors.Is(err, errMalformedMessage):
			log.Warn("不正なメッセージを読み捨てました",
				slog.Int64("offset", m.Offset), slog.String("error", err.Error()))
			return true
		case err == nil:
			log.Debug("イベントを処理しました",
				slog.Int64("offset", m.Offset), slog.Int("created", summary.Created))
			return true
		}

		log.Error("イベントの発火に失敗しました。再試行します",
			slog.Int64("offset", m.Offset), slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if !c.wait(ctx) {
			return false
		}
	}
}

// wait はbackoffの間待つ。ctxが先にキャンセルされた場合はfalseを返す。
func (c *KafkaConsumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

// Close はリーダーを閉じる。
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// NATSConsumer はNATSのサブジェクトから発火要求を受け取るコンシューマ。
// 同じキューグループのインスタンス間でメッセージは1回だけ配られる。
type NATSConsumer struct {
	nc      *nats.Conn
	subject string
	queue   string
	trig    Triggerer
}

// NewNATSConsumer はNATSに接続してNATSConsumerを生成する。
func NewNATSConsumer(url, subject, queue string, trig Triggerer) (*NATSConsumer, error) {
	nc, err := nats.Connect(url, nats.Name("sitealert-notification"))
	if err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗: %w", err)
	}
	return &NATSConsumer{nc: nc, subject: subject, queue: queue, trig: trig}, nil
}

// Run はctxがキャンセルされるまで購読を続け、終了時に残りのメッセージを処理してから切断する。
func (c *NATSConsumer) Run(ctx context.Context) error {
	log := logger.From(ctx).With(slog.String("source", "nats"))
	// Drainで残りのメッセージを処理するのはctxの終了後になる。
	msgCtx := context.WithoutCancel(ctx)
	sub, err := c.nc.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		if _, err := handleTriggerMessage(msgCtx, c.trig, msg.Data); err != nil {
			log.Warn("メッセージの処理に失敗しました",
				slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("サブジェクト %s の購読に失敗: %w", c.subject, err)
	}
	log.Info("サブジェクトを購読しました", slog.String("subject", c.subject))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		log.Warn("購読のドレインに失敗しました", slog.String("error", err.Error()))
	}
	return nil
}

// Close は接続を閉じる。
func (c *NATSConsumer) Close() error {
	c.nc.Close()
	return nil
}
