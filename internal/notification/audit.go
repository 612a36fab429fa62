package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/httpclient"
)

// Auditor は通知の生成を監査ログへ記録する。
type Auditor interface {
	NotificationSent(ctx context.Context, n *Notification) error
}

// EventStoreAuditor はEvent ServiceへNotificationSentイベントを追記するAuditor。
type EventStoreAuditor struct {
	client *httpclient.Client
}

// NewEventStoreAuditor はEventStoreAuditorを生成する。
func NewEventStoreAuditor(client *httpclient.Client) *EventStoreAuditor {
	return &EventStoreAuditor{client: client}
}

// NotificationSent は通知ごとのAggregateにバージョン1のイベントを追記する。
// 既に記録済み（409）の場合は成功として扱う。
func (a *EventStoreAuditor) NotificationSent(ctx context.Context, n *Notification) error {
	channels := make([]string, len(n.ChannelsSent))
	for i, c := range n.ChannelsSent {
		channels[i] = string(c)
	}
	env, err := event.NewRecord(event.NotificationSentData{
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Title:          n.Title,
		ChannelsSent:   channels,
	}, 1)
	if err != nil {
		return err
	}

	err = a.client.PostJSON(ctx, "/api/v1/events", env, nil)
	if err != nil && !httpclient.IsStatus(err, http.StatusConflict) {
		return fmt.Errorf("NotificationSentイベントの送信に失敗: %w", err)
	}
	return nil
}
