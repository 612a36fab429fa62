// Package database はmodernc.org/sqliteによるSQLiteデータベースの接続を提供する。
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/sitealert/pkg/migration"
)

// MemoryPath はインメモリデータベースを表すパス。
const MemoryPath = ":memory:"

// Open はSQLiteデータベースを開き、接続確認とマイグレーションを行う。
// migrationsがnilの場合はマイグレーションを行わない。
func Open(ctx context.Context, path string, migrations fs.FS, dir string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("データベースのパスが指定されていません")
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}

	// インメモリDBは接続ごとに別のDBになるため接続を1本に固定する
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの接続確認に失敗: %w", err)
	}

	if migrations != nil {
		if err := migration.Run(ctx, db, migrations, dir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("マイグレーションの実行に失敗: %w", err)
		}
	}
	return db, nil
}

// dsn はpragmaを付与した接続文字列を組み立てる。
func dsn(path string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
	}
	if path == MemoryPath {
		return path + "?" + strings.Join(pragmas, "&")
	}
	pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	return "file:" + filepath.Clean(path) + "?" + strings.Join(pragmas, "&")
}

// IsUniqueViolation はerrが一意制約違反によるものかを判定する。
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// 拡張エラーコードが無効な接続ではメッセージで判定する
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}
