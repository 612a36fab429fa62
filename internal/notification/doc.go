// Package notification は建設現場向け通知サービスの内部実装を提供する。
//
// 現場で発生したドメインイベント（危険報告、マイルストーン完了、予算超過など）を受け取り、
// ロールマップから通知すべき役割を決め、ディレクトリから有効なユーザーを解決する。
// ユーザーごとの配信設定に従い、アプリ内プッシュとメールの各チャネルへ並行に配信し、
// 結果を通知台帳に記録する。台帳への記録はチャネル配信より先に行われる。
//
// 通知一覧の取得、既読管理、配信設定の読み書き、運用確認用のテスト発火もHTTP APIとして提供する。
package notification
