package notification

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/sitealert/pkg/database"
	"github.com/nao1215/sitealert/pkg/event"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// openTestDB はマイグレーション済みのインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(t.Context(), database.MemoryPath, Migrations, MigrationsDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeDirectory は固定のユーザー一覧を返すDirectory。
type fakeDirectory struct {
	mu    sync.Mutex
	users []Recipient
	err   error
	calls [][]Role
}

func (d *fakeDirectory) FindActiveUsersByRoles(_ context.Context, roles []Role) ([]Recipient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, roles)
	if d.err != nil {
		return nil, d.err
	}
	var out []Recipient
	for _, u := range d.users {
		for _, r := range roles {
			if u.Role == r {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

// fakePusher はプッシュの呼び出しを記録するPusher。
type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]any
	err    error
	block  chan struct{}
}

func (p *fakePusher) PushToUser(ctx context.Context, userID string, payload any) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushed == nil {
		p.pushed = make(map[string][]any)
	}
	p.pushed[userID] = append(p.pushed[userID], payload)
	return p.err
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.pushed {
		n += len(v)
	}
	return n
}

// fakeMailer は送信したメールを記録するMailer。failForにあるアドレスへの送信は失敗する。
type fakeMailer struct {
	mu      sync.Mutex
	sent    []EmailMessage
	err     error
	failFor map[string]bool
	delay   time.Duration
	// release が設定されている場合はcloseされるまで送信を止める。
	release chan struct{}
}

func (m *fakeMailer) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.failFor[msg.To] {
		return "", errTransport
	}
	m.sent = append(m.sent, msg)
	return "msg-" + msg.To, nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var errTransport = errors.New("smtp: connection refused")

// failingPreferences は特定ユーザーの設定取得だけ失敗させるPreferenceGetter。
type failingPreferences struct {
	PreferenceGetter
	failUser string
}

func (f *failingPreferences) Get(ctx context.Context, userID string, t event.Type) (Preference, error) {
	if userID == f.failUser {
		return Preference{}, context.DeadlineExceeded
	}
	return f.PreferenceGetter.Get(ctx, userID, t)
}

// countingLedger はAppendChannelsの呼び出し回数を数える。
type countingLedger struct {
	*Ledger
	appends atomic.Int32
}

func (l *countingLedger) AppendChannels(ctx context.Context, id string, channels []Channel) error {
	l.appends.Add(1)
	return l.Ledger.AppendChannels(ctx, id, channels)
}

// recordingAuditor は監査イベントを記録するAuditor。
type recordingAuditor struct {
	mu   sync.Mutex
	seen []Notification
	err  error
}

func (a *recordingAuditor) NotificationSent(_ context.Context, n *Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, *n)
	return a.err
}
