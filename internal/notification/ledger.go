package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/sitealert/pkg/event"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の上限件数。
	MaxListLimit = 200
)

// ListOptions は通知一覧の取得条件。
type ListOptions struct {
	// Limit は取得件数。0以下なら既定値、上限を超える場合は上限に丸める。
	Limit int
	// UnreadOnly が true の場合は未読のみ返す。
	UnreadOnly bool
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// Ledger はSQLiteに保存される通知台帳。
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger は通知台帳を生成する。dbにはマイグレーション済みの接続を渡す。
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Create は未読・配信チャネルなしの通知を記録する。
// IDが空の場合は採番し、nのID・状態・作成日時を更新する。
func (l *Ledger) Create(ctx context.Context, n *Notification) error {
	if n.RecipientID == "" {
		return errors.New("受信者IDが空です")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
	}

	n.Status = StatusUnread
	n.ChannelsSent = []Channel{}
	n.CreatedAt = l.now().UTC().Truncate(time.Millisecond)
	n.ReadAt = nil

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, title, message, event_type, priority, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, n.Title, n.Message, string(n.EventType), string(n.Priority),
		string(meta), string(StatusUnread), n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("通知の記録に失敗: %w", err)
	}
	return nil
}

// AppendChannels は配信に成功したチャネルを追記する。
// 既に記録済みのチャネルは無視され、既存の記録を上書きしない。
func (l *Ledger) AppendChannels(ctx context.Context, id string, channels []Channel) error {
	if len(channels) == 0 {
		return nil
	}
	for _, c := range channels {
		if !c.Valid() {
			return fmt.Errorf("未知のチャネルです: %q", c)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("通知の確認に失敗: %w", err)
	}

	sentAt := l.now().UTC().UnixMilli()
	for _, c := range channels {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO notification_channels (notification_id, channel, sent_at) VALUES (?, ?, ?)`,
			id, string(c), sentAt,
		); err != nil {
			return fmt.Errorf("配信チャネルの記録に失敗: %w", err)
		}
	}
	return tx.Commit()
}

// selectNotifications は配信チャネルを集約して通知を取得するクエリの共通部分。
const selectNotifications = `
	SELECT n.id, n.recipient_id, n.title, n.message, n.event_type, n.priority, n.metadata,
	       n.status, n.created_at, n.read_at, COALESCE(GROUP_CONCAT(c.channel), '')
	FROM notifications n
	LEFT JOIN notification_channels c ON c.notification_id = n.id`

// Get は指定IDの通知を返す。存在しない場合はErrNotFoundを返す。
func (l *Ledger) Get(ctx context.Context, id string) (*Notification, error) {
	row := l.db.QueryRowContext(ctx, selectNotifications+` WHERE n.id = ? GROUP BY n.id`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// ListByRecipient は受信者の通知を新しい順に返す。
func (l *Ledger) ListByRecipient(ctx context.Context, recipientID string, opts ListOptions) ([]Notification, error) {
	query := selectNotifications + ` WHERE n.recipient_id = ?`
	args := []any{recipientID}
	if opts.UnreadOnly {
		query += ` AND n.status = ?`
		args = append(args, string(StatusUnread))
	}
	query += ` GROUP BY n.id ORDER BY n.created_at DESC, n.rowid DESC LIMIT ?`
	args = append(args, opts.limit())

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// CountUnread は受信者の未読件数を返す。
func (l *Ledger) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND status = ?`,
		recipientID, string(StatusUnread),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return n, nil
}

// MarkRead は通知を既読にし、更新後の状態を返す。
// 既読の通知に対しては何も変更せず現在の状態を返す。
func (l *Ledger) MarkRead(ctx context.Context, id string) (*Notification, error) {
	_, err := l.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, read_at = ? WHERE id = ? AND status = ?`,
		string(StatusRead), l.now().UTC().UnixMilli(), id, string(StatusUnread),
	)
	if err != nil {
		return nil, fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return l.Get(ctx, id)
}

// MarkAllRead は受信者の未読通知をすべて既読にし、更新件数を返す。
func (l *Ledger) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, read_at = ? WHERE recipient_id = ? AND status = ?`,
		string(StatusRead), l.now().UTC().UnixMilli(), recipientID, string(StatusUnread),
	)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(s rowScanner) (*Notification, error) {
	var (
		n         Notification
		eventType string
		priority  string
		status    string
		metadata  string
		createdAt int64
		readAt    sql.NullInt64
		channels  string
	)
	if err := s.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Message, &eventType, &priority,
		&metadata, &status, &createdAt, &readAt, &channels); err != nil {
		return nil, err
	}

	n.EventType = event.Type(eventType)
	n.Priority = event.Priority(priority)
	n.Status = Status(status)
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	if readAt.Valid {
		t := time.UnixMilli(readAt.Int64).UTC()
		n.ReadAt = &t
	}
	n.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &n.Metadata); err != nil {
			return nil, fmt.Errorf("メタデータのデシリアライズに失敗: %w", err)
		}
	}

	var chs []Channel
	if channels != "" {
		for _, c := range strings.Split(channels, ",") {
			chs = append(chs, Channel(c))
		}
	}
	n.ChannelsSent = sortChannels(chs)
	return &n, nil
}
