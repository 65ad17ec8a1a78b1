// Package mail delivers the weekly gratitude digest over SMTP.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"gratibot/internal/transport"
	logx "gratibot/pkg/logx"
)

const (
	DefaultPort   = 587
	DigestSubject = "Your Weekly Gratitude Summary"
	channel       = "email"

	emptyDigestBody = "We missed you this week! Looking forward to your gratitude entries next week. 🌟"
	entryTimeLayout = "2006-01-02 15:04:05"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// sendFunc delivers a built message. Tests replace it.
type sendFunc func(ctx context.Context, cfg Config, msg *gomail.Msg) error

type Sender struct {
	cfg  Config
	log  logx.Logger
	send sendFunc
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("mail: host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("mail: from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log.With(logx.String("comp", "mail")), send: dialAndSend}, nil
}

// SendDigest formats entries (newest first) and mails them to to.
func (s *Sender) SendDigest(ctx context.Context, to string, entries []transport.DigestEntry) error {
	msg, err := buildMessage(s.cfg.From, to, DigestSubject, FormatDigest(entries))
	if err != nil {
		return &transport.DeliveryError{Channel: channel, Err: err}
	}
	if err := s.send(ctx, s.cfg, msg); err != nil {
		s.log.Warn("digest send failed", logx.String("to", to), logx.Err(err))
		return &transport.DeliveryError{Channel: channel, Err: err}
	}
	s.log.Debug("digest sent", logx.String("to", to), logx.Int("entries", len(entries)))
	return nil
}

// FormatDigest renders the plain-text digest body.
func FormatDigest(entries []transport.DigestEntry) string {
	if len(entries) == 0 {
		return emptyDigestBody
	}
	var b strings.Builder
	b.WriteString("Your Weekly Gratitude Summary 🌟\n\n")
	b.WriteString("Here are your gratitude moments from the past week:\n\n")
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s)", e.Text, e.At.Format(entryTimeLayout))
	}
	b.WriteString("\n\nKeep cultivating gratitude! See you next week.\n")
	return b.String()
}

func buildMessage(from, to, subject, body string) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(gomail.TypeTextPlain, body)
	return m, nil
}

// dialAndSend requires STARTTLS and authenticates with PLAIN when a username
// is set. The whole exchange honors ctx.
func dialAndSend(ctx context.Context, cfg Config, msg *gomail.Msg) error {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
		gomail.WithTimeout(cfg.Timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	c, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, msg)
}
