package notification

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nao1215/sitealert/pkg/event"
)

// PreferenceStore はユーザーごとの配信設定をSQLiteに保存する。
// 設定が無いユーザーには、参照時に全イベント種別の既定値をまとめて作成する。
type PreferenceStore struct {
	db    *sql.DB
	types []event.Type
	now   func() time.Time
}

// NewPreferenceStore は配信設定ストアを生成する。
func NewPreferenceStore(db *sql.DB) *PreferenceStore {
	return &PreferenceStore{db: db, types: event.AllTypes(), now: time.Now}
}

// Get はユーザーの指定イベント種別に対する配信設定を返す。
//
// ユーザーの設定が1件も無い場合は既知の全イベント種別の既定値を1トランザクションで作成する。
// 設定はあるが指定種別のみ無い場合（語彙の追加後など）は、その種別の既定値だけを作成する。
func (s *PreferenceStore) Get(ctx context.Context, userID string, t event.Type) (Preference, error) {
	if !event.Known(t) {
		return Preference{}, fmt.Errorf("%w: 未知のイベント種別 %q", ErrInvalidPreference, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Preference{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.ensureDefaults(ctx, tx, userID, t); err != nil {
		return Preference{}, err
	}

	p := Preference{EventType: t}
	var inApp, email int
	if err := tx.QueryRowContext(ctx,
		`SELECT in_app_enabled, email_enabled FROM preferences WHERE user_id = ? AND event_type = ?`,
		userID, string(t),
	).Scan(&inApp, &email); err != nil {
		return Preference{}, fmt.Errorf("配信設定の取得に失敗: %w", err)
	}
	p.InAppEnabled = inApp != 0
	p.EmailEnabled = email != 0

	if err := tx.Commit(); err != nil {
		return Preference{}, fmt.Errorf("配信設定のコミットに失敗: %w", err)
	}
	return p, nil
}

// List はユーザーの全配信設定を返す。設定が無い場合は既定値を作成してから返す。
func (s *PreferenceStore) List(ctx context.Context, userID string) ([]Preference, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, t := range s.types {
		if err := s.ensureDefaults(ctx, tx, userID, t); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT event_type, in_app_enabled, email_enabled FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("配信設定一覧の取得に失敗: %w", err)
	}
	byType := make(map[event.Type]Preference)
	for rows.Next() {
		var (
			t            string
			inApp, email int
		)
		if err := rows.Scan(&t, &inApp, &email); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("配信設定の読み取りに失敗: %w", err)
		}
		byType[event.Type(t)] = Preference{EventType: event.Type(t), InAppEnabled: inApp != 0, EmailEnabled: email != 0}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("配信設定のコミットに失敗: %w", err)
	}

	out := make([]Preference, 0, len(s.types))
	for _, t := range s.types {
		if p, ok := byType[t]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Set はユーザーの配信設定を渡された一覧で全置換する。
// 未知のイベント種別や重複を含む場合はErrInvalidPreferenceを返し、何も変更しない。
func (s *PreferenceStore) Set(ctx context.Context, userID string, prefs []Preference) error {
	seen := make(map[event.Type]struct{}, len(prefs))
	for _, p := range prefs {
		if !event.Known(p.EventType) {
			return fmt.Errorf("%w: 未知のイベント種別 %q", ErrInvalidPreference, p.EventType)
		}
		if _, dup := seen[p.EventType]; dup {
			return fmt.Errorf("%w: イベント種別 %q が重複しています", ErrInvalidPreference, p.EventType)
		}
		seen[p.EventType] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM preferences WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("配信設定の削除に失敗: %w", err)
	}
	now := s.now().UTC().UnixMilli()
	for _, p := range prefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO preferences (user_id, event_type, in_app_enabled, email_enabled, updated_at) VALUES (?, ?, ?, ?, ?)`,
			userID, string(p.EventType), boolToInt(p.InAppEnabled), boolToInt(p.EmailEnabled), now,
		); err != nil {
			return fmt.Errorf("配信設定の保存に失敗: %w", err)
		}
	}
	return tx.Commit()
}

// ensureDefaults は必要に応じて既定の配信設定を作成する。
func (s *PreferenceStore) ensureDefaults(ctx context.Context, tx *sql.Tx, userID string, t event.Type) error {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM preferences WHERE user_id = ?`, userID,
	).Scan(&count); err != nil {
		return fmt.Errorf("配信設定の件数取得に失敗: %w", err)
	}

	targets := []event.Type{t}
	if count == 0 {
		targets = s.types
	}
	now := s.now().UTC().UnixMilli()
	for _, typ := range targets {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO preferences (user_id, event_type, in_app_enabled, email_enabled, updated_at) VALUES (?, ?, 1, 1, ?)`,
			userID, string(typ), now,
		); err != nil {
			return fmt.Errorf("既定の配信設定の作成に失敗: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
