package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/sitealert/pkg/database"
)

var (
	// ErrNotFound はユーザーが存在しないことを表す。
	ErrNotFound = errors.New("ユーザーが見つかりません")
	// ErrEmailTaken はメールアドレスが既に登録されていることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
	// ErrInvalidRole は未知の役割を表す。
	ErrInvalidRole = errors.New("未知の役割です")
)

// Roles はディレクトリで扱う役割の一覧。
var Roles = []string{"admin", "client", "site_manager", "civil_engineer", "safety_officer", "builder", "architect"}

// User はディレクトリに登録されたユーザー。
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Store はSQLiteに保存されるユーザーディレクトリ。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore はユーザーディレクトリを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create はユーザーを登録する。IDが空の場合は採番する。
func (s *Store) Create(ctx context.Context, u *User) error {
	if !slices.Contains(Roles, u.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, u.Role)
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, role, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.Role, boolToInt(u.Active), u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

const selectUsers = `SELECT id, email, display_name, role, active, created_at, last_login_at FROM users`

// Get は指定IDのユーザーを返す。
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	return s.getOne(ctx, selectUsers+` WHERE id = ?`, id)
}

// GetByEmail は指定メールアドレスのユーザーを返す。
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, selectUsers+` WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, nil
}

// FindByRoles は指定した役割のいずれかを持つユーザーを返す。
// activeOnlyがtrueの場合は有効なユーザーのみ返す。
func (s *Store) FindByRoles(ctx context.Context, roles []string, activeOnly bool) ([]User, error) {
	out := make([]User, 0)
	if len(roles) == 0 {
		return out, nil
	}

	query := selectUsers + ` WHERE role IN (?` + strings.Repeat(`, ?`, len(roles)-1) + `)`
	args := make([]any, 0, len(roles)+1)
	for _, r := range roles {
		args = append(args, r)
	}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ユーザーの読み取りに失敗: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// SetActive はユーザーの有効フラグを更新し、更新後のユーザーを返す。
func (s *Store) SetActive(ctx context.Context, id string, active bool) (*User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return nil, fmt.Errorf("有効フラグの更新に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// UpsertDevUser は開発用ログインのユーザーをメールアドレスで探し、
// 無ければ作成、あれば表示名と役割を更新して最終ログイン日時を記録する。
// 作成した場合はcreatedがtrueになる。
func (s *Store) UpsertDevUser(ctx context.Context, email, displayName, role string) (u *User, created bool, err error) {
	if !slices.Contains(Roles, role) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	existing, err := s.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		u = &User{Email: email, DisplayName: displayName, Role: role, Active: true}
		if err := s.Create(ctx, u); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	default:
		u = existing
		if displayName != "" {
			u.DisplayName = displayName
		}
		u.Role = role
		if _, err := s.db.ExecContext(ctx,
			`UPDATE users SET display_name = ?, role = ? WHERE id = ?`, u.DisplayName, u.Role, u.ID,
		); err != nil {
			return nil, false, fmt.Errorf("ユーザーの更新に失敗: %w", err)
		}
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, now.UnixMilli(), u.ID); err != nil {
		return nil, false, fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	u.LastLoginAt = &now
	return u, created, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*User, error) {
	var (
		u         User
		active    int
		createdAt int64
		lastLogin sql.NullInt64
	)
	if err := s.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &active, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastLogin.Valid {
		t := time.UnixMilli(lastLogin.Int64).UTC()
		u.LastLoginAt = &t
	}
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
