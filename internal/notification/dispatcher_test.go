package notification

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/sitealert/pkg/circuitbreaker"
	"github.com/nao1215/sitealert/pkg/event"
)

// dispatchFixture はDispatcherのテストに使う依存一式。
type dispatchFixture struct {
	dir     *fakeDirectory
	ledger  *countingLedger
	prefs   *PreferenceStore
	pusher  *fakePusher
	mailer  *fakeMailer
	auditor *recordingAuditor
	metrics *Metrics
}

func newDispatchFixture(t *testing.T, users ...Recipient) *dispatchFixture {
	t.Helper()
	db := openTestDB(t)
	return &dispatchFixture{
		dir:     &fakeDirectory{users: users},
		ledger:  &countingLedger{Ledger: NewLedger(db)},
		prefs:   NewPreferenceStore(db),
		pusher:  &fakePusher{},
		mailer:  &fakeMailer{failFor: map[string]bool{}},
		auditor: &recordingAuditor{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
}

func (f *dispatchFixture) dispatcher(opts ...func(*Config)) *Dispatcher {
	cfg := Config{
		Resolver:    NewResolver(DefaultRoleMap(), f.dir),
		Preferences: f.prefs,
		Ledger:      f.ledger,
		Pusher:      f.pusher,
		Mailer:      f.mailer,
		Auditor:     f.auditor,
		Metrics:     f.metrics,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewDispatcher(cfg)
}

func (f *dispatchFixture) entries(t *testing.T, userID string) []Notification {
	t.Helper()
	list, err := f.ledger.ListByRecipient(t.Context(), userID, ListOptions{Limit: MaxListLimit})
	require.NoError(t, err)
	return list
}

func user(id string, role Role) Recipient {
	return Recipient{ID: id, Name: id, Role: role, Email: id + "@example.com", Active: true}
}

func TestDispatcherTrigger(t *testing.T) {
	t.Parallel()

	t.Run("マイルストーンは対象の全受信者へ両チャネルで配信される", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t,
			user("client-1", RoleClient),
			user("client-2", RoleClient),
			user("admin-1", RoleAdmin),
		)

		summary, err := f.dispatcher().Trigger(t.Context(), "milestone", event.Payload{Title: "Foundation Complete"})
		require.NoError(t, err)

		assert.Equal(t, 3, summary.Recipients)
		assert.Equal(t, 3, summary.Created)
		assert.Len(t, summary.Notifications, 3)
		for _, id := range []string{"client-1", "client-2", "admin-1"} {
			list := f.entries(t, id)
			require.Len(t, list, 1, id)
			n := list[0]
			assert.Equal(t, "Foundation Complete", n.Title)
			assert.Equal(t, event.TypeMilestone, n.EventType)
			assert.Equal(t, event.PriorityMedium, n.Priority)
			assert.Equal(t, StatusUnread, n.Status)
			assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, n.ChannelsSent)
		}
		assert.Equal(t, 3, f.mailer.count())
		assert.Equal(t, 3, f.pusher.count())
		assert.Equal(t, int32(3), f.ledger.appends.Load(), "受信者ごとに追記は1回")
	})

	t.Run("未知のイベント種別は受信者なしで正常終了する", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))

		summary, err := f.dispatcher().Trigger(t.Context(), "unknown_type", event.Payload{})
		require.NoError(t, err)

		assert.Equal(t, 0, summary.Recipients)
		assert.Equal(t, 0, summary.Created)
		assert.Empty(t, summary.Notifications)
		assert.Empty(t, f.dir.calls, "ディレクトリは呼ばれない")
		assert.Empty(t, f.entries(t, "admin-1"))
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Triggers.WithLabelValues("unknown_type", "no_recipients")), 0)
	})

	t.Run("タイトルと本文が無い場合は既定値で補う", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("safety-1", RoleSafetyOfficer))

		_, err := f.dispatcher().Trigger(t.Context(), "hazard", event.Payload{})
		require.NoError(t, err)

		list := f.entries(t, "safety-1")
		require.Len(t, list, 1)
		assert.Equal(t, "Hazard", list[0].Title)
		assert.Equal(t, "An alert of type hazard occurred", list[0].Message)
		assert.Equal(t, event.PriorityHigh, list[0].Priority)
	})

	t.Run("前後の空白を除いたイベント種別で配信する", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))

		summary, err := f.dispatcher().Trigger(t.Context(), "  system ", event.Payload{})
		require.NoError(t, err)
		assert.Equal(t, event.TypeSystem, summary.EventType)
		assert.Equal(t, 1, summary.Created)
	})

	t.Run("全チャネル無効の受信者には通知を作らない", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("builder-1", RoleBuilder), user("builder-2", RoleBuilder))
		require.NoError(t, f.prefs.Set(t.Context(), "builder-1", []Preference{
			{EventType: event.TypeHazard, InAppEnabled: false, EmailEnabled: false},
		}))

		summary, err := f.dispatcher().Trigger(t.Context(), "hazard", event.Payload{Title: "足場の崩落"})
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Suppressed)
		assert.Equal(t, 1, summary.Created)
		assert.Empty(t, f.entries(t, "builder-1"))
		assert.Len(t, f.entries(t, "builder-2"), 1)
		assert.Equal(t, 1, f.mailer.count())
		assert.Equal(t, 1, f.pusher.count())
	})

	t.Run("片方のチャネルだけ有効な場合はそのチャネルのみ配信する", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		require.NoError(t, f.prefs.Set(t.Context(), "admin-1", []Preference{
			{EventType: event.TypeSystem, InAppEnabled: false, EmailEnabled: true},
		}))

		_, err := f.dispatcher().Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)

		list := f.entries(t, "admin-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelEmail}, list[0].ChannelsSent)
		assert.Equal(t, 0, f.pusher.count())
	})

	t.Run("メール送信が失敗してもアプリ内通知は配信済みになる", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.mailer.failFor["admin-1@example.com"] = true

		summary, err := f.dispatcher().Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Created)

		list := f.entries(t, "admin-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp}, list[0].ChannelsSent)
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChannelDeliveries.WithLabelValues("email", "failed")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChannelDeliveries.WithLabelValues("in_app", "delivered")), 0)
	})

	t.Run("1人の設定取得が失敗しても他の受信者には配信する", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-a", RoleAdmin), user("admin-b", RoleAdmin))

		d := f.dispatcher(func(c *Config) {
			c.Preferences = &failingPreferences{PreferenceGetter: f.prefs, failUser: "admin-a"}
		})
		summary, err := d.Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)

		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 1, summary.Created)
		assert.Empty(t, f.entries(t, "admin-a"))
		list := f.entries(t, "admin-b")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, list[0].ChannelsSent)
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.RecipientFailures.WithLabelValues("preference")), 0)
	})

	t.Run("受信者の解決に失敗した場合はエラーを返す", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t)
		f.dir.err = errors.New("directory unavailable")

		_, err := f.dispatcher().Trigger(t.Context(), "hazard", event.Payload{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "directory unavailable")
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Triggers.WithLabelValues("hazard", "error")), 0)
	})

	t.Run("連絡先が無い受信者はメールを送らない", func(t *testing.T) {
		t.Parallel()
		r := user("arch-1", RoleArchitect)
		r.Email = ""
		f := newDispatchFixture(t, r)

		_, err := f.dispatcher().Trigger(t.Context(), "design_rejected", event.Payload{})
		require.NoError(t, err)

		list := f.entries(t, "arch-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp}, list[0].ChannelsSent)
		assert.Equal(t, 0, f.mailer.count())
	})

	t.Run("メーラー未設定の場合はアプリ内通知のみ", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))

		_, err := f.dispatcher(func(c *Config) { c.Mailer = nil }).Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)

		list := f.entries(t, "admin-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp}, list[0].ChannelsSent)
	})

	t.Run("プッシュが失敗してもアプリ内通知は配信済み", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.pusher.err = errors.New("redis: connection refused")

		_, err := f.dispatcher().Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)

		list := f.entries(t, "admin-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, list[0].ChannelsSent)
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChannelDeliveries.WithLabelValues("in_app", "push_error")), 0)
	})

	t.Run("ライブ接続が無いことは失敗として数えない", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.pusher.err = ErrNoConnection

		_, err := f.dispatcher().Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)
		assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChannelDeliveries.WithLabelValues("in_app", "delivered")), 0)
	})

	t.Run("応答しないプッシュとメールはタイムアウトする", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.pusher.block = make(chan struct{})
		f.mailer.delay = time.Second

		d := f.dispatcher(func(c *Config) {
			c.PushTimeout = 20 * time.Millisecond
			c.EmailTimeout = 20 * time.Millisecond
		})
		start := time.Now()
		_, err := d.Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)

		list := f.entries(t, "admin-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp}, list[0].ChannelsSent)
	})

	t.Run("メールの送信中にアプリ内プッシュが届く", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.mailer.release = make(chan struct{})

		type triggerResult struct {
			summary Summary
			err     error
		}
		done := make(chan triggerResult, 1)
		go func() {
			s, err := f.dispatcher().Trigger(t.Context(), "system", event.Payload{})
			done <- triggerResult{summary: s, err: err}
		}()

		require.Eventually(t, func() bool { return f.pusher.count() == 1 }, 2*time.Second, 5*time.Millisecond,
			"メールが止まっている間にプッシュされていない")
		assert.Zero(t, f.mailer.count())
		close(f.mailer.release)

		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.summary.Created)
		assert.Equal(t, 1, f.mailer.count())
		list := f.entries(t, "admin-1")
		require.Len(t, list, 1)
		assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, list[0].ChannelsSent)
	})

	t.Run("解決後に呼び出し元がキャンセルしても全受信者に通知を記録する", func(t *testing.T) {
		t.Parallel()
		users := make([]Recipient, 10)
		for i := range users {
			users[i] = user(fmt.Sprintf("client-%d", i), RoleClient)
		}
		f := newDispatchFixture(t, users...)
		f.mailer.delay = 20 * time.Millisecond

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		summary, err := f.dispatcher(func(c *Config) { c.Concurrency = 1 }).Trigger(ctx, "milestone", event.Payload{})
		require.NoError(t, err)
		require.Error(t, ctx.Err(), "発火中に呼び出し元のコンテキストが終了していない")

		assert.Equal(t, 10, summary.Recipients)
		assert.Equal(t, 10, summary.Created)
		assert.Zero(t, summary.Failed)
		for _, u := range users {
			list := f.entries(t, u.ID)
			require.Len(t, list, 1, u.ID)
			assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, list[0].ChannelsSent, u.ID)
		}
	})

	t.Run("ブレーカーが開いている間はメールを送らない", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.mailer.err = errTransport
		breaker := circuitbreaker.New(1, time.Hour, 1)
		d := f.dispatcher(func(c *Config) { c.Breaker = breaker })

		_, err := d.Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)
		require.Equal(t, circuitbreaker.Open, breaker.State())

		f.mailer.mu.Lock()
		f.mailer.err = nil
		f.mailer.mu.Unlock()
		_, err = d.Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)

		assert.Equal(t, 0, f.mailer.count())
		for _, n := range f.entries(t, "admin-1") {
			assert.Equal(t, []Channel{ChannelInApp}, n.ChannelsSent)
		}
	})

	t.Run("チャネル配信の前に台帳へ記録されている", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		pusher := &ledgerCheckingPusher{ledger: f.ledger.Ledger}

		_, err := f.dispatcher(func(c *Config) { c.Pusher = pusher }).Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)
		assert.True(t, pusher.found.Load())
	})

	t.Run("監査イベントには配信済みチャネルが含まれる", func(t *testing.T) {
		t.Parallel()
		f := newDispatchFixture(t, user("admin-1", RoleAdmin))
		f.auditor.err = errors.New("event store down")

		summary, err := f.dispatcher().Trigger(t.Context(), "system", event.Payload{})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Created)

		require.Len(t, f.auditor.seen, 1)
		assert.Equal(t, summary.Notifications[0], f.auditor.seen[0].ID)
		assert.Equal(t, []Channel{ChannelInApp, ChannelEmail}, f.auditor.seen[0].ChannelsSent)
	})

	t.Run("同時実行数を超える受信者もすべて処理する", func(t *testing.T) {
		t.Parallel()
		users := make([]Recipient, 0, 20)
		for i := range 20 {
			users = append(users, user(fmt.Sprintf("mgr-%02d", i), RoleSiteManager))
		}
		f := newDispatchFixture(t, users...)

		summary, err := f.dispatcher(func(c *Config) { c.Concurrency = 3 }).
			Trigger(t.Context(), "attendance", event.Payload{Metadata: map[string]any{"site": "A-1"}})
		require.NoError(t, err)

		assert.Equal(t, 20, summary.Created)
		assert.Len(t, summary.Notifications, 20)
		for _, u := range users {
			list := f.entries(t, u.ID)
			require.Len(t, list, 1)
			assert.Equal(t, "A-1", list[0].Metadata["site"])
		}
	})
}

// ledgerCheckingPusher はプッシュ時点で通知が台帳に存在するかを確認する。
type ledgerCheckingPusher struct {
	ledger *Ledger
	found  atomic.Bool
}

func (p *ledgerCheckingPusher) PushToUser(ctx context.Context, _ string, payload any) error {
	env, ok := payload.(pushEnvelope)
	if !ok {
		return errors.New("unexpected payload")
	}
	if _, err := p.ledger.Get(ctx, env.Data.ID); err == nil {
		p.found.Store(true)
	}
	return nil
}
