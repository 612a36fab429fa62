package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig はSMTPメーラーの設定。
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPMailer はnet/smtpでテキストとHTMLの両方を含むメールを送るMailer。
type SMTPMailer struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer はSMTPメーラーを生成する。
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, sendMail: smtp.SendMail}
}

// SendEmail はメールを送信し、付与したMessage-IDを返す。
// net/smtpはコンテキストを受け付けないため、キャンセルは送信前にのみ確認する。
func (m *SMTPMailer) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.cfg.Host == "" {
		return "", ErrMailerNotConfigured
	}
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	if from == "" {
		return "", errors.New("送信元アドレスが設定されていません")
	}
	if strings.ContainsAny(msg.To, "\r\n") {
		return "", fmt.Errorf("宛先アドレスが不正です: %q", msg.To)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.cfg.Host)
	body, err := buildMIME(from, messageID, msg, time.Now())
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" || m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	if err := m.sendMail(addr, auth, from, []string{msg.To}, body); err != nil {
		return "", fmt.Errorf("SMTP送信に失敗: %w", err)
	}
	return messageID, nil
}

// buildMIME はmultipart/alternative形式のメッセージを組み立てる。
func buildMIME(from, messageID string, msg EmailMessage, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := []string{
		"From: " + from,
		"To: " + msg.To,
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + now.Format(time.RFC1123Z),
		"Message-ID: " + messageID,
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", mw.Boundary()),
	}
	var out bytes.Buffer
	out.WriteString(strings.Join(headers, "\r\n"))
	out.WriteString("\r\n\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("MIMEパートの作成に失敗: %w", err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("MIMEパートの書き込みに失敗: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("MIMEメッセージの終端に失敗: %w", err)
	}

	out.Write(buf.Bytes())
	return out.Bytes(), nil
}
