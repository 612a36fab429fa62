// Package eventstore は監査ログとして使うイベントストアサービスの内部実装を提供する。
//
// 通知サービスとディレクトリサービスが記録するNotificationSentや
// UserRegisteredなどのイベントを追記のみで永続化する。
// 同一Aggregate内のバージョンは1から連番で、重複した追記は競合として拒否する。
//
// 主な機能:
//   - イベントの追記（Append）
//   - AggregateIDによるイベント取得
//   - イベントタイプによるイベント取得
//   - 日時指定によるイベント取得
package eventstore
