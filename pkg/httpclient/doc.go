// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスがディレクトリサービスへ受信者を問い合わせる際や、
// Event Storeへ監査イベントを追記する際に使用する。
// トランスポートはOpenTelemetryで計装され、トレースコンテキストが下流へ伝播する。
package httpclient
