package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/akmatori/alertflow/internal/database"
)

// EmailConfig configures the EMAIL channel
type EmailConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
}

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Email delivers notifications over SMTP
type Email struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmail creates the EMAIL channel
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (e *Email) Name() database.Channel { return database.ChannelEmail }

func (e *Email) Send(ctx context.Context, p Payload) error {
	if e.cfg.Addr == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel has no server or recipients")
	}
	var auth sasl.Client
	if e.cfg.Username != "" {
		auth = sasl.NewPlainClient("", e.cfg.Username, e.cfg.Password)
	}

	msg := e.message(p)
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(e.cfg.Addr, auth, e.cfg.From, e.cfg.To, strings.NewReader(msg))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp %s: %w", e.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// message builds an RFC 5322 message. The idempotency key doubles as the
// Message-ID so mail systems can drop duplicates.
func (e *Email) message(p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(p.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@alertflow>\r\n", strings.ReplaceAll(p.IdempotencyKey(), ":", "."))
	fmt.Fprintf(&b, "X-Alertflow-Idempotency-Key: %s\r\n", p.IdempotencyKey())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(p.Body, "\r\n", "\n"), "\n", "\r\n"))
	return b.String()
}

func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
