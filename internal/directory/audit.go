package directory

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/httpclient"
)

// Auditor はユーザー登録を監査ログへ記録する。
type Auditor interface {
	UserRegistered(ctx context.Context, u *User) error
}

// EventStoreAuditor はEvent ServiceへUserRegisteredイベントを追記するAuditor。
type EventStoreAuditor struct {
	client *httpclient.Client
}

// NewEventStoreAuditor はEventStoreAuditorを生成する。
func NewEventStoreAuditor(client *httpclient.Client) *EventStoreAuditor {
	return &EventStoreAuditor{client: client}
}

// UserRegistered はユーザーごとのAggregateにバージョン1のイベントを追記する。
func (a *EventStoreAuditor) UserRegistered(ctx context.Context, u *User) error {
	env, err := event.NewRecord(event.UserRegisteredData{UserID: u.ID, Role: u.Role}, 1)
	if err != nil {
		return err
	}
	err = a.client.PostJSON(ctx, "/api/v1/events", env, nil)
	if err != nil && !httpclient.IsStatus(err, http.StatusConflict) {
		return fmt.Errorf("UserRegisteredイベントの送信に失敗: %w", err)
	}
	return nil
}
