// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証と役割による認可、構造化リクエストログ、
// パニックリカバリ、CORS設定、Prometheusによるリクエスト計測を含む。
package middleware
