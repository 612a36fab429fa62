package notification

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/nao1215/sitealert/pkg/circuitbreaker"
)

// Pusher はユーザーのライブ接続へペイロードを送るリアルタイム配信手段。
// 接続が無い場合はErrNoConnectionを返す。
type Pusher interface {
	PushToUser(ctx context.Context, userID string, payload any) error
}

// EmailMessage は送信するメール。
type EmailMessage struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer はメール送信手段。成功時は送信したメッセージのIDを返す。
type Mailer interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// Result はチャネル1回分の配信結果。
//
// アプリ内チャネルは台帳記録済みの時点で配信済みとなるため、
// プッシュに失敗してもDeliveredはtrueのままErrに失敗理由が入る。
type Result struct {
	Channel   Channel
	Delivered bool
	MessageID string
	Err       error
}

// channelSender はチャネル配信に必要な外部手段とタイムアウトをまとめたもの。
type channelSender struct {
	pusher       Pusher
	mailer       Mailer
	breaker      *circuitbreaker.Breaker
	pushTimeout  time.Duration
	emailTimeout time.Duration
}

// send はチャネル種別に応じた配信を行う。
// 配信の失敗はResultとして返し、呼び出し元へエラーとして伝播させない。
func (c Channel) send(ctx context.Context, s *channelSender, r Recipient, n *Notification) Result {
	switch c {
	case ChannelInApp:
		return s.sendInApp(ctx, r, n)
	case ChannelEmail:
		return s.sendEmail(ctx, r, n)
	default:
		return Result{Channel: c, Err: fmt.Errorf("未知のチャネルです: %q", c)}
	}
}

func (s *channelSender) sendInApp(ctx context.Context, r Recipient, n *Notification) Result {
	res := Result{Channel: ChannelInApp, Delivered: true, MessageID: n.ID}
	if s.pusher == nil {
		return res
	}
	// タイムアウト後もプッシュが続く場合があるため複製を渡す
	snapshot := *n
	_, err := withTimeout(ctx, s.pushTimeout, func(ctx context.Context) (string, error) {
		return "", s.pusher.PushToUser(ctx, r.ID, pushEnvelope{Type: "notification", Data: &snapshot})
	})
	if err != nil && !errors.Is(err, ErrNoConnection) {
		res.Err = fmt.Errorf("プッシュ送信に失敗: %w", err)
	}
	return res
}

func (s *channelSender) sendEmail(ctx context.Context, r Recipient, n *Notification) Result {
	res := Result{Channel: ChannelEmail}
	if strings.TrimSpace(r.Email) == "" {
		res.Err = ErrNoContactAddress
		return res
	}
	if s.mailer == nil {
		res.Err = ErrMailerNotConfigured
		return res
	}

	msg := buildEmail(r, n)
	send := func() error {
		id, err := withTimeout(ctx, s.emailTimeout, func(ctx context.Context) (string, error) {
			return s.mailer.SendEmail(ctx, msg)
		})
		res.MessageID = id
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Do(send)
	} else {
		err = send()
	}
	if err != nil {
		res.Err = fmt.Errorf("メール送信に失敗: %w", err)
		res.MessageID = ""
		return res
	}
	res.Delivered = true
	return res
}

// withTimeout はfnをタイムアウト付きで実行する。
// fnがコンテキストを無視して戻らない場合も、タイムアウト時点で呼び出し元へ戻る。
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) (string, error)) (string, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := fn(ctx)
		done <- outcome{id: id, err: err}
	}()

	select {
	case o := <-done:
		return o.id, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// pushEnvelope はWebSocketへ送るメッセージ。
type pushEnvelope struct {
	Type string        `json:"type"`
	Data *Notification `json:"data"`
}

// buildEmail は通知からメール本文を組み立てる。
func buildEmail(r Recipient, n *Notification) EmailMessage {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Priority)), n.Title)

	var text strings.Builder
	if r.Name != "" {
		fmt.Fprintf(&text, "%s 様\n\n", r.Name)
	}
	text.WriteString(n.Message)
	fmt.Fprintf(&text, "\n\n種別: %s\n優先度: %s\n", n.EventType, n.Priority)

	var body strings.Builder
	body.WriteString("<!DOCTYPE html><html><body>")
	if r.Name != "" {
		fmt.Fprintf(&body, "<p>%s 様</p>", html.EscapeString(r.Name))
	}
	fmt.Fprintf(&body, "<h2>%s</h2><p>%s</p>", html.EscapeString(n.Title), html.EscapeString(n.Message))
	fmt.Fprintf(&body, "<p><small>種別: %s / 優先度: %s</small></p>",
		html.EscapeString(string(n.EventType)), html.EscapeString(string(n.Priority)))
	body.WriteString("</body></html>")

	return EmailMessage{To: r.Email, Subject: subject, Text: text.String(), HTML: body.String()}
}
