// Package event は建設現場で発生するドメインイベントの語彙と、
// Event Storeへ記録する監査イベントの封筒（Envelope）を定義する。
package event

import (
	"encoding/json"
	"time"
)

// Type は通知のきっかけとなるドメインイベントの種類を表す。
// 語彙は固定であり、追加はロールマップへのエントリ追加と同時に行う。
type Type string

const (
	// TypeHazard は現場で危険が報告されたことを表す。
	TypeHazard Type = "hazard"
	// TypeTaskAssigned はタスクが割り当てられたことを表す。
	TypeTaskAssigned Type = "task_assigned"
	// TypeTaskUpdated はタスクが更新されたことを表す。
	TypeTaskUpdated Type = "task_updated"
	// TypeSiteLog は現場日誌が登録されたことを表す。
	TypeSiteLog Type = "site_log"
	// TypeAttendance は出勤記録が登録されたことを表す。
	TypeAttendance Type = "attendance"
	// TypeDesignApproval は設計が承認されたことを表す。
	TypeDesignApproval Type = "design_approval"
	// TypeDesignRejected は設計が差し戻されたことを表す。
	TypeDesignRejected Type = "design_rejected"
	// TypeBudgetExceeded は予算超過が検知されたことを表す。
	TypeBudgetExceeded Type = "budget_exceeded"
	// TypeMilestone はマイルストーンが完了したことを表す。
	TypeMilestone Type = "milestone"
	// TypeScheduleDelay は工程の遅延が検知されたことを表す。
	TypeScheduleDelay Type = "schedule_delay"
	// TypeSystem はシステムからのお知らせを表す。
	TypeSystem Type = "system"
)

// allTypes は既知のイベント種別を宣言順に保持する。
var allTypes = []Type{
	TypeHazard,
	TypeTaskAssigned,
	TypeTaskUpdated,
	TypeSiteLog,
	TypeAttendance,
	TypeDesignApproval,
	TypeDesignRejected,
	TypeBudgetExceeded,
	TypeMilestone,
	TypeScheduleDelay,
	TypeSystem,
}

// AllTypes は既知のイベント種別の一覧を返す。
// 返り値は呼び出し側で変更しても影響しないコピーである。
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Known はイベント種別が既知の語彙に含まれるかを判定する。
func Known(t Type) bool {
	for _, known := range allTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Priority は通知の優先度を表す。
type Priority string

const (
	// PriorityLow は低優先度。
	PriorityLow Priority = "low"
	// PriorityMedium は通常の優先度。
	PriorityMedium Priority = "medium"
	// PriorityHigh は高優先度。
	PriorityHigh Priority = "high"
	// PriorityUrgent は緊急。
	PriorityUrgent Priority = "urgent"
)

// Valid は優先度が定義済みの値かを判定する。
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Payload はイベント発火時に呼び出し側が渡す任意項目。
// 空の項目は通知生成時に既定値で補われる。
type Payload struct {
	// Title は通知のタイトル。
	Title string `json:"title,omitempty"`
	// Message は通知本文。
	Message string `json:"message,omitempty"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority,omitempty"`
	// Metadata は呼び出し側が付与する任意のキーと値。
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AggregateType はEvent Storeに記録するイベントの対象エンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
	// AggregateTypeUser はユーザーエンティティを表す。
	AggregateTypeUser AggregateType = "User"
)

// RecordType はEvent Storeに記録するイベントの種類を表す。
type RecordType string

const (
	// RecordNotificationSent は通知が生成され配信が試行されたことを表す。
	RecordNotificationSent RecordType = "NotificationSent"
	// RecordUserRegistered はディレクトリにユーザーが登録されたことを表す。
	RecordUserRegistered RecordType = "UserRegistered"
)

// Envelope はEvent Storeにおける不変のイベントレコードを表す。
// 追記のみで運用され、更新・削除は行わない。
type Envelope struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType RecordType `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。楽観的排他制御に使用する。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationSentData はNotificationSentイベントのデータ。
type NotificationSentData struct {
	// NotificationID は台帳に記録された通知のID。
	NotificationID string `json:"notification_id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// EventType は通知のきっかけとなったイベント種別。
	EventType Type `json:"source_event_type"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// ChannelsSent は配信に成功したチャネル。
	ChannelsSent []string `json:"channels_sent"`
}

// UserRegisteredData はUserRegisteredイベントのデータ。
type UserRegisteredData struct {
	// UserID は登録されたユーザーのID。
	UserID string `json:"user_id"`
	// Role はユーザーの役割。
	Role string `json:"role"`
}
