// Package mail delivers invitation emails over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Invite is the content of an invitation email.
type Invite struct {
	To          string
	TeamName    string
	InviterName string
	Link        string
}

var inviteTemplate = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
  <h2>You're invited to join {{.TeamName}}</h2>
  <p>{{.InviterName}} has invited you to collaborate on <strong>{{.TeamName}}</strong>.</p>
  <p><a href="{{.Link}}" style="display:inline-block;padding:10px 18px;background:#4f46e5;color:#fff;text-decoration:none;border-radius:6px;">Accept invitation</a></p>
  <p>If the button does not work, open this link: {{.Link}}</p>
</body>
</html>`))

// Dialer sends composed messages. *gomail.Dialer implements it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends invitation emails through an SMTP relay.
type SMTPMailer struct {
	dialer Dialer
	from   string
}

// NewSMTPMailer creates a mailer for the given relay.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// NewMailerWithDialer creates a mailer using d, for tests and custom
// transports.
func NewMailerWithDialer(d Dialer, from string) *SMTPMailer {
	return &SMTPMailer{dialer: d, from: from}
}

// SendInvite renders and sends the invitation. gomail has no context
// support, so ctx is only checked before dialing.
func (m *SMTPMailer) SendInvite(ctx context.Context, inv Invite) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := m.compose(inv)
	if err != nil {
		return err
	}
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (m *SMTPMailer) compose(inv Invite) (*gomail.Message, error) {
	var body bytes.Buffer
	if err := inviteTemplate.Execute(&body, inv); err != nil {
		return nil, fmt.Errorf("rendering invite template: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", inv.To)
	msg.SetHeader("Subject", fmt.Sprintf("You're invited to join %s", inv.TeamName))
	msg.SetBody("text/plain", fmt.Sprintf("%s has invited you to join %s.\n\nAccept the invitation: %s\n", inv.InviterName, inv.TeamName, inv.Link))
	msg.AddAlternative("text/html", body.String())
	return msg, nil
}

// LogMailer logs invitations instead of sending them. It is used when no
// SMTP relay is configured.
type LogMailer struct{}

// SendInvite logs the invitation link.
func (LogMailer) SendInvite(_ context.Context, inv Invite) error {
	slog.Info("invitation email not sent: smtp not configured", "to", inv.To, "team", inv.TeamName, "link", inv.Link)
	return nil
}
