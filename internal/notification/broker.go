package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/sitealert/pkg/logger"
)

const presenceKeyPrefix = "presence:"

// RedisBroker は複数インスタンス間でプッシュを中継するPusher。
//
// PushToUserはRedisのPub/Subチャネルへ発行し、Runで購読している各インスタンスが
// 自分のHubに接続しているユーザーへ配信する。どのインスタンスにも接続が無いユーザーは
// プレゼンスキーで判定し、発行を省略する。
type RedisBroker struct {
	rdb     redis.UniversalClient
	hub     *Hub
	channel string
	ttl     time.Duration
}

// brokerMessage はPub/Subで流すメッセージ。
type brokerMessage struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// NewRedisBroker はRedisBrokerを生成し、Hubの接続時にプレゼンスを更新するよう設定する。
func NewRedisBroker(rdb redis.UniversalClient, hub *Hub, channel string, ttl time.Duration) *RedisBroker {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	b := &RedisBroker{rdb: rdb, hub: hub, channel: channel, ttl: ttl}

	hub.mu.Lock()
	hub.onConnect = func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.markPresent(ctx, []string{userID}); err != nil {
			slog.Warn("プレゼンスの更新に失敗しました", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
	hub.mu.Unlock()
	return b
}

// PushToUser はユーザーがどこかのインスタンスに接続していればメッセージを発行する。
func (b *RedisBroker) PushToUser(ctx context.Context, userID string, payload any) error {
	n, err := b.rdb.Exists(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("プレゼンスの確認に失敗: %w", err)
	}
	if n == 0 {
		return ErrNoConnection
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("プッシュペイロードのシリアライズに失敗: %w", err)
	}
	msg, err := json.Marshal(brokerMessage{UserID: userID, Payload: raw})
	if err != nil {
		return fmt.Errorf("ブローカーメッセージのシリアライズに失敗: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, msg).Err(); err != nil {
		return fmt.Errorf("プッシュの発行に失敗: %w", err)
	}
	return nil
}

// Run はPub/Subを購読してローカルのHubへ転送し、接続中ユーザーのプレゼンスを定期的に更新する。
// ctxがキャンセルされるまでブロックする。
func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("チャネル %s の購読に失敗: %w", b.channel, err)
	}
	logger.From(ctx).Info("プッシュチャネルを購読しました", slog.String("channel", b.channel))

	ticker := time.NewTicker(b.ttl / 3)
	defer ticker.Stop()
	msgs := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return errors.New("購読チャネルが閉じられました")
			}
			b.forward(ctx, m.Payload)
		case <-ticker.C:
			if err := b.markPresent(ctx, b.hub.Users()); err != nil {
				logger.From(ctx).Warn("プレゼンスの更新に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// forward は受信したメッセージをローカル接続へ配信する。
func (b *RedisBroker) forward(ctx context.Context, raw string) {
	var m brokerMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m.UserID == "" {
		logger.From(ctx).Warn("不正なブローカーメッセージを破棄しました")
		return
	}
	b.hub.Deliver(ctx, m.UserID, m.Payload)
}

// markPresent は指定ユーザーのプレゼンスキーをTTL付きで設定する。
func (b *RedisBroker) markPresent(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range userIDs {
			p.Set(ctx, presenceKeyPrefix+id, now, b.ttl)
		}
		return nil
	})
	return err
}
