package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRecordTypeMismatch はEnvelopeの種類とデコード先のデータ型が一致しないことを表す。
var ErrRecordTypeMismatch = errors.New("イベントの種類がデータ型と一致しません")

// Record はEvent Storeに記録できるイベントデータ。
// 種類と対象Aggregateはデータ自身が決める。
type Record interface {
	RecordType() RecordType
	Aggregate() (AggregateType, string)
}

// RecordType はNotificationSentを返す。
func (NotificationSentData) RecordType() RecordType { return RecordNotificationSent }

// Aggregate は通知ごとのAggregateを返す。
func (d NotificationSentData) Aggregate() (AggregateType, string) {
	return AggregateTypeNotification, "notification-" + d.NotificationID
}

// RecordType はUserRegisteredを返す。
func (UserRegisteredData) RecordType() RecordType { return RecordUserRegistered }

// Aggregate はユーザーごとのAggregateを返す。
func (d UserRegisteredData) Aggregate() (AggregateType, string) {
	return AggregateTypeUser, "user-" + d.UserID
}

// NewRecord はデータの種類と対象Aggregateを使ってversion番目のイベントを生成する。
func NewRecord(data Record, version int64) (*Envelope, error) {
	aggregateType, aggregateID := data.Aggregate()
	return New(aggregateID, aggregateType, data.RecordType(), version, data)
}

// New は新しい監査イベントを生成する。dataはJSONとしてDataに格納する。
func New(aggregateID string, aggregateType AggregateType, recordType RecordType, version int64, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%sのデータのシリアライズに失敗: %w", recordType, err)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     recordType,
		Data:          raw,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はDataをTとしてデコードする。種類は検証しない。
func DecodeData[T any](e *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("%sのデータのデシリアライズに失敗: %w", e.EventType, err)
	}
	return &data, nil
}

// DecodeRecord はEnvelopeの種類がTと一致することを確かめてからDataをデコードする。
func DecodeRecord[T Record](e *Envelope) (*T, error) {
	var zero T
	if want := zero.RecordType(); e.EventType != want {
		return nil, fmt.Errorf("%w: %s (want %s)", ErrRecordTypeMismatch, e.EventType, want)
	}
	return DecodeData[T](e)
}
