package notification

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturedMail はsendMailに渡された内容。
type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	body []byte
}

func newCapturingMailer(cfg SMTPConfig, sendErr error) (*SMTPMailer, *capturedMail) {
	got := &capturedMail{}
	m := NewSMTPMailer(cfg)
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		got.addr, got.auth, got.from, got.to, got.body = addr, a, from, to, msg
		return sendErr
	}
	return m, got
}

func TestSMTPMailerSendEmail(t *testing.T) {
	t.Parallel()

	cfg := SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "bot", Password: "secret", From: "alerts@example.com"}
	msg := EmailMessage{To: "sato@example.com", Subject: "[HIGH] 足場の崩落", Text: "本文", HTML: "<p>本文</p>"}

	t.Run("multipart/alternativeで送信しMessage-IDを返す", func(t *testing.T) {
		t.Parallel()
		m, got := newCapturingMailer(cfg, nil)

		id, err := m.SendEmail(t.Context(), msg)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "<") && strings.HasSuffix(id, "@smtp.example.com>"))
		assert.Equal(t, "smtp.example.com:587", got.addr)
		assert.Equal(t, "alerts@example.com", got.from)
		assert.Equal(t, []string{"sato@example.com"}, got.to)
		assert.NotNil(t, got.auth)

		parsed, err := mail.ReadMessage(strings.NewReader(string(got.body)))
		require.NoError(t, err)
		subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
		require.NoError(t, err)
		assert.Equal(t, "[HIGH] 足場の崩落", subject)
		assert.Equal(t, id, parsed.Header.Get("Message-ID"))

		mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
		require.NoError(t, err)
		assert.Equal(t, "multipart/alternative", mediaType)

		mr := multipart.NewReader(parsed.Body, params["boundary"])
		var types, bodies []string
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			b, err := io.ReadAll(p)
			require.NoError(t, err)
			types = append(types, p.Header.Get("Content-Type"))
			bodies = append(bodies, string(b))
		}
		assert.Equal(t, []string{"text/plain; charset=UTF-8", "text/html; charset=UTF-8"}, types)
		assert.Equal(t, []string{"本文", "<p>本文</p>"}, bodies)
	})

	t.Run("認証情報が無い場合は認証しない", func(t *testing.T) {
		t.Parallel()
		m, got := newCapturingMailer(SMTPConfig{Host: "localhost", Port: "1025", From: "alerts@example.com"}, nil)
		_, err := m.SendEmail(t.Context(), msg)
		require.NoError(t, err)
		assert.Nil(t, got.auth)
	})

	t.Run("送信元が無い場合はユーザー名を使う", func(t *testing.T) {
		t.Parallel()
		c := cfg
		c.From = ""
		c.Username = "bot@example.com"
		m, got := newCapturingMailer(c, nil)
		_, err := m.SendEmail(t.Context(), msg)
		require.NoError(t, err)
		assert.Equal(t, "bot@example.com", got.from)
	})

	t.Run("宛先に改行を含む場合は拒否する", func(t *testing.T) {
		t.Parallel()
		m, got := newCapturingMailer(cfg, nil)
		bad := msg
		bad.To = "sato@example.com\r\nBcc: evil@example.com"
		_, err := m.SendEmail(t.Context(), bad)
		require.Error(t, err)
		assert.Nil(t, got.body)
	})

	t.Run("ホスト未設定はErrMailerNotConfigured", func(t *testing.T) {
		t.Parallel()
		m, _ := newCapturingMailer(SMTPConfig{}, nil)
		_, err := m.SendEmail(t.Context(), msg)
		require.ErrorIs(t, err, ErrMailerNotConfigured)
	})

	t.Run("送信エラーを返す", func(t *testing.T) {
		t.Parallel()
		m, _ := newCapturingMailer(cfg, errTransport)
		_, err := m.SendEmail(t.Context(), msg)
		require.ErrorIs(t, err, errTransport)
	})

	t.Run("キャンセル済みのコンテキストでは送信しない", func(t *testing.T) {
		t.Parallel()
		m, got := newCapturingMailer(cfg, nil)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := m.SendEmail(ctx, msg)
		require.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, got.body)
	})
}

func TestBuildMIMEOmitsEmptyParts(t *testing.T) {
	t.Parallel()

	body, err := buildMIME("a@example.com", "<id@x>", EmailMessage{To: "b@example.com", Subject: "s", Text: "only text"},
		time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Contains(t, string(body), "Date: Wed, 01 Apr 2026 09:00:00 +0000")
	assert.Contains(t, string(body), "only text")
	assert.NotContains(t, string(body), "text/html")
}
