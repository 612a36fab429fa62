package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/httpclient"
)

// RoleMap はイベント種別から通知すべき役割への対応表。構築後は変更できない。
type RoleMap struct {
	m map[event.Type][]Role
}

// NewRoleMap は対応表を生成する。引数のmapはコピーされる。
// 未知のイベント種別や空の役割を含む場合はエラーを返す。
func NewRoleMap(m map[event.Type][]Role) (RoleMap, error) {
	out := make(map[event.Type][]Role, len(m))
	for t, roles := range m {
		if !event.Known(t) {
			return RoleMap{}, fmt.Errorf("未知のイベント種別です: %q", t)
		}
		uniq := make([]Role, 0, len(roles))
		for _, r := range roles {
			if strings.TrimSpace(string(r)) == "" {
				return RoleMap{}, fmt.Errorf("イベント種別 %q に空の役割があります", t)
			}
			if !slices.Contains(uniq, r) {
				uniq = append(uniq, r)
			}
		}
		out[t] = uniq
	}
	return RoleMap{m: out}, nil
}

// Roles はイベント種別に対応する役割のコピーを返す。未知の種別には空を返す。
func (m RoleMap) Roles(t event.Type) []Role {
	return slices.Clone(m.m[t])
}

// DefaultRoleMap は組み込みの対応表を返す。
func DefaultRoleMap() RoleMap {
	rm, err := NewRoleMap(map[event.Type][]Role{
		event.TypeHazard:         {RoleAdmin, RoleCivilEngineer, RoleSafetyOfficer, RoleBuilder},
		event.TypeTaskAssigned:   {RoleBuilder, RoleSiteManager, RoleCivilEngineer},
		event.TypeTaskUpdated:    {RoleAdmin, RoleSiteManager, RoleCivilEngineer},
		event.TypeSiteLog:        {RoleAdmin, RoleSiteManager, RoleClient},
		event.TypeAttendance:     {RoleAdmin, RoleSiteManager},
		event.TypeDesignApproval: {RoleArchitect, RoleClient, RoleAdmin, RoleCivilEngineer},
		event.TypeDesignRejected: {RoleArchitect, RoleAdmin, RoleCivilEngineer},
		event.TypeBudgetExceeded: {RoleAdmin, RoleClient, RoleSiteManager},
		event.TypeMilestone:      {RoleClient, RoleAdmin, RoleSiteManager, RoleCivilEngineer, RoleBuilder},
		event.TypeScheduleDelay:  {RoleAdmin, RoleClient, RoleSiteManager, RoleCivilEngineer},
		event.TypeSystem:         {RoleAdmin},
	})
	if err != nil {
		panic(err)
	}
	return rm
}

// LoadRoleMap はJSONファイルから対応表を読み込む。
// 形式: {"hazard": ["admin", "safety_officer"], ...}
// ファイルに無いイベント種別は組み込みの対応表の値を使う。
func LoadRoleMap(path string) (RoleMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RoleMap{}, fmt.Errorf("ロールマップの読み込みに失敗: %w", err)
	}
	var override map[event.Type][]Role
	if err := json.Unmarshal(b, &override); err != nil {
		return RoleMap{}, fmt.Errorf("ロールマップのパースに失敗: %w", err)
	}

	merged := DefaultRoleMap().m
	for t, roles := range override {
		merged[t] = roles
	}
	return NewRoleMap(merged)
}

// Directory は受信者ディレクトリ。役割を持つ有効なユーザーを返す。
type Directory interface {
	FindActiveUsersByRoles(ctx context.Context, roles []Role) ([]Recipient, error)
}

// Resolver はイベント種別から通知先の受信者を解決する。
type Resolver struct {
	roles RoleMap
	dir   Directory
}

// NewResolver は受信者リゾルバを生成する。
func NewResolver(roles RoleMap, dir Directory) *Resolver {
	return &Resolver{roles: roles, dir: dir}
}

// Resolve はイベント種別に対応する役割を持つ有効なユーザーを返す。
// 対応表に無いイベント種別は空を返し、エラーにはしない。
// ディレクトリの結果に無効なユーザーや対象外の役割が含まれていても除外する。
func (r *Resolver) Resolve(ctx context.Context, t event.Type) ([]Recipient, error) {
	roles := r.roles.Roles(t)
	if len(roles) == 0 {
		return nil, nil
	}

	users, err := r.dir.FindActiveUsersByRoles(ctx, roles)
	if err != nil {
		return nil, fmt.Errorf("ディレクトリの検索に失敗: %w", err)
	}

	seen := make(map[string]struct{}, len(users))
	out := make([]Recipient, 0, len(users))
	for _, u := range users {
		if !u.Active || u.ID == "" || !slices.Contains(roles, u.Role) {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// DirectoryClient はディレクトリサービスのHTTP APIを使うDirectoryの実装。
type DirectoryClient struct {
	client *httpclient.Client
}

// NewDirectoryClient はディレクトリサービスのクライアントを生成する。
func NewDirectoryClient(client *httpclient.Client) *DirectoryClient {
	return &DirectoryClient{client: client}
}

// directoryUser はディレクトリサービスが返すユーザー。
type directoryUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
}

// FindActiveUsersByRoles はGET /api/v1/internal/users?roles=... を呼び出す。
func (d *DirectoryClient) FindActiveUsersByRoles(ctx context.Context, roles []Role) ([]Recipient, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	q := url.Values{}
	q.Set("roles", strings.Join(names, ","))
	q.Set("active", "true")

	var users []directoryUser
	if err := d.client.GetJSON(ctx, "/api/v1/internal/users?"+q.Encode(), &users); err != nil {
		return nil, err
	}

	out := make([]Recipient, 0, len(users))
	for _, u := range users {
		out = append(out, Recipient{
			ID:     u.ID,
			Name:   u.DisplayName,
			Role:   Role(u.Role),
			Email:  u.Email,
			Active: u.Active,
		})
	}
	return out, nil
}
