package eventstore

import "embed"

// Migrations はイベントストアのスキーマ定義。
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir はMigrations内のマイグレーションファイルのディレクトリ。
const MigrationsDir = "migrations"
