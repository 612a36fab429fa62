package notification

import (
	"errors"
	"slices"
	"time"

	"github.com/nao1215/sitealert/pkg/event"
)

var (
	// ErrNotFound は通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrInvalidPreference は配信設定の内容が不正であることを表す。
	ErrInvalidPreference = errors.New("配信設定が不正です")
	// ErrMailerNotConfigured はメール送信手段が設定されていないことを表す。
	ErrMailerNotConfigured = errors.New("メール送信が設定されていません")
	// ErrNoContactAddress は受信者に連絡先メールアドレスが無いことを表す。
	ErrNoContactAddress = errors.New("連絡先メールアドレスがありません")
	// ErrNoConnection は受信者のライブ接続が無いことを表す。
	ErrNoConnection = errors.New("ライブ接続がありません")
)

// Channel は通知の配信チャネル。値は in_app と email の2つに限られる。
type Channel string

const (
	// ChannelInApp はアプリ内通知（台帳への記録とリアルタイムプッシュ）。
	ChannelInApp Channel = "in_app"
	// ChannelEmail はメール通知。
	ChannelEmail Channel = "email"
)

// channelOrder はチャネルの正規順序。
var channelOrder = []Channel{ChannelInApp, ChannelEmail}

// Valid はチャネルが定義済みの値かを判定する。
func (c Channel) Valid() bool {
	return slices.Contains(channelOrder, c)
}

// sortChannels はチャネルを正規順序に並べ替え、重複を除く。
func sortChannels(chs []Channel) []Channel {
	out := make([]Channel, 0, len(chs))
	for _, c := range channelOrder {
		if slices.Contains(chs, c) {
			out = append(out, c)
		}
	}
	return out
}

// Status は通知の既読状態。
type Status string

const (
	// StatusUnread は未読。
	StatusUnread Status = "unread"
	// StatusRead は既読。
	StatusRead Status = "read"
)

// Role は現場での役割。
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleClient        Role = "client"
	RoleSiteManager   Role = "site_manager"
	RoleCivilEngineer Role = "civil_engineer"
	RoleSafetyOfficer Role = "safety_officer"
	RoleBuilder       Role = "builder"
	RoleArchitect     Role = "architect"
)

// Recipient はディレクトリから取得した通知先ユーザー。通知サービスは読み取りのみ行う。
type Recipient struct {
	// ID はユーザーID。
	ID string `json:"id"`
	// Name は表示名。
	Name string `json:"name"`
	// Role は役割。
	Role Role `json:"role"`
	// Email は連絡先メールアドレス。空の場合はメールを送れない。
	Email string `json:"email"`
	// Active はアカウントが有効か。
	Active bool `json:"active"`
}

// Preference はユーザー・イベント種別ごとの配信設定。
type Preference struct {
	// EventType は対象のイベント種別。
	EventType event.Type `json:"event_type" binding:"required,event_type"`
	// InAppEnabled はアプリ内通知を受け取るか。
	InAppEnabled bool `json:"in_app_enabled"`
	// EmailEnabled はメール通知を受け取るか。
	EmailEnabled bool `json:"email_enabled"`
}

// DefaultPreference は設定が無い場合の既定値（全チャネル有効）を返す。
func DefaultPreference(t event.Type) Preference {
	return Preference{EventType: t, InAppEnabled: true, EmailEnabled: true}
}

// EnabledChannels は有効なチャネルを正規順序で返す。
func (p Preference) EnabledChannels() []Channel {
	var out []Channel
	if p.InAppEnabled {
		out = append(out, ChannelInApp)
	}
	if p.EmailEnabled {
		out = append(out, ChannelEmail)
	}
	return out
}

// Notification は通知台帳の1エントリ。
// ChannelsSent は作成後に追記のみ行われ、Status は unread から read へ一度だけ遷移する。
type Notification struct {
	ID           string         `json:"id"`
	RecipientID  string         `json:"recipient_id"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	EventType    event.Type     `json:"event_type"`
	Priority     event.Priority `json:"priority"`
	Metadata     map[string]any `json:"metadata"`
	Status       Status         `json:"status"`
	ChannelsSent []Channel      `json:"channels_sent"`
	CreatedAt    time.Time      `json:"created_at"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
}
