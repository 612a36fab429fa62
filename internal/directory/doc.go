// Package directory は受信者ディレクトリサービスの内部実装を提供する。
//
// 現場のユーザー（役割・連絡先メールアドレス・有効フラグ）を管理し、
// 通知サービスからの役割による検索に応える。開発環境向けにJWTの発行も担当する。
package directory
