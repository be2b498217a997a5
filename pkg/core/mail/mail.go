// Package mail sends plain-text email through a configured SMTP relay.
package mail

import (
	"context"
	"errors"
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

// ErrNotConfigured reports that the SMTP relay settings are absent.
var ErrNotConfigured = errors.New("smtp settings not configured")

// Config carries the SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c Config) complete() bool {
	return c.Host != "" && c.Username != "" && c.Password != "" && c.From != ""
}

// Sender delivers messages over a single SMTP relay.
type Sender struct {
	cfg Config
}

// NewSender fills in the relay defaults: the from address falls back to
// the username and the port to 587 (STARTTLS submission).
func NewSender(cfg Config) *Sender {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Sender{cfg: cfg}
}

// Configured reports whether the relay settings are complete enough to
// attempt delivery.
func (s *Sender) Configured() bool {
	return s != nil && s.cfg.complete()
}

// Send delivers one plain-text message over a fresh SMTP connection.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.cfg.complete() {
		return ErrNotConfigured
	}

	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("mail: from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mail: to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	client, err := gomail.NewClient(s.cfg.Host,
		gomail.WithPort(s.cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.cfg.Username),
		gomail.WithPassword(s.cfg.Password),
	)
	if err != nil {
		return fmt.Errorf("mail: client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	return nil
}
