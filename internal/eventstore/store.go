package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/sitealert/pkg/database"
	"github.com/nao1215/sitealert/pkg/event"
)

// ErrVersionConflict は追記しようとしたバージョンが次の連番でない場合のエラー。
var ErrVersionConflict = errors.New("バージョンが競合しています")

// Store はイベントをSQLiteに永続化する。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Append はイベントを追記する。
// e.Versionが0の場合は最新バージョンの次を割り当てる。
// 指定されている場合は最新バージョン+1と一致しなければErrVersionConflictを返す。
// ID・Version・CreatedAtは保存した値でeを更新する。
func (s *Store) Append(ctx context.Context, e *event.Envelope) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, e.AggregateID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("最新バージョンの取得に失敗: %w", err)
	}

	switch {
	case e.Version == 0:
		e.Version = latest + 1
	case e.Version != latest+1:
		return fmt.Errorf("%w: aggregate=%s version=%d latest=%d", ErrVersionConflict, e.AggregateID, e.Version, latest)
	}

	e.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, string(e.AggregateType), string(e.EventType), string(e.Data), e.Version, e.CreatedAt.UnixMilli(),
	); err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: aggregate=%s version=%d", ErrVersionConflict, e.AggregateID, e.Version)
		}
		return fmt.Errorf("イベントの追記に失敗: %w", err)
	}
	return tx.Commit()
}

const selectEvents = `SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at FROM events`

// ByAggregate はAggregateのイベントをバージョン順に返す。
func (s *Store) ByAggregate(ctx context.Context, aggregateID string) ([]event.Envelope, error) {
	return s.query(ctx, selectEvents+` WHERE aggregate_id = ? ORDER BY version`, aggregateID)
}

// ByType はイベントタイプに一致するイベントを記録順に返す。
func (s *Store) ByType(ctx context.Context, eventType string) ([]event.Envelope, error) {
	return s.query(ctx, selectEvents+` WHERE event_type = ? ORDER BY created_at, rowid`, eventType)
}

// Since はsince以降に記録されたイベントを記録順に返す。
func (s *Store) Since(ctx context.Context, since time.Time) ([]event.Envelope, error) {
	return s.query(ctx, selectEvents+` WHERE created_at >= ? ORDER BY created_at, rowid`, since.UnixMilli())
}

// All は全イベントを記録順に返す。
func (s *Store) All(ctx context.Context) ([]event.Envelope, error) {
	return s.query(ctx, selectEvents+` ORDER BY created_at, rowid`)
}

// LatestVersion はAggregateの最新バージョンを返す。イベントが無ければ0。
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("最新バージョンの取得に失敗: %w", err)
	}
	return v, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer rows.Close()

	events := []event.Envelope{}
	for rows.Next() {
		var (
			e         event.Envelope
			aggType   string
			eventType string
			data      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggType, &eventType, &data, &e.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		e.AggregateType = event.AggregateType(aggType)
		e.EventType = event.RecordType(eventType)
		e.Data = json.RawMessage(data)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
