package notify

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SendFunc delivers a composed message.
type SendFunc func(msg *gomail.Message) error

// Mailer renders notifications as HTML mail and sends them over SMTP.
type Mailer struct {
	from   string
	appURL string
	send   SendFunc
}

// NewMailer builds a Mailer that dials cfg for every message.
func NewMailer(cfg SMTPConfig, appURL string) *Mailer {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	return NewMailerWithSender(cfg.From, appURL, dialer.DialAndSend)
}

// NewMailerWithSender builds a Mailer that hands messages to send.
func NewMailerWithSender(from, appURL string, send func(m ...*gomail.Message) error) *Mailer {
	return &Mailer{
		from:   from,
		appURL: strings.TrimRight(appURL, "/"),
		send:   func(msg *gomail.Message) error { return send(msg) },
	}
}

func (m *Mailer) SendTwoFactorCode(ctx context.Context, to, code string) error {
	return m.Deliver(ctx, Message{Kind: KindTwoFactorCode, To: to, Code: code})
}

func (m *Mailer) SendVerificationLink(ctx context.Context, to, token string) error {
	return m.Deliver(ctx, Message{Kind: KindVerificationLink, To: to, Token: token})
}

func (m *Mailer) SendPasswordResetLink(ctx context.Context, to, token string) error {
	return m.Deliver(ctx, Message{Kind: KindPasswordResetLink, To: to, Token: token})
}

// Deliver renders and sends msg.
func (m *Mailer) Deliver(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body := m.render(msg)

	mail := gomail.NewMessage()
	mail.SetHeader("From", m.from)
	mail.SetHeader("To", msg.To)
	mail.SetHeader("Subject", subject)
	mail.SetBody("text/html", body)

	if err := m.send(mail); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, msg.To, err)
	}
	return nil
}

func (m *Mailer) render(msg Message) (string, string) {
	switch msg.Kind {
	case KindTwoFactorCode:
		return "Your login code",
			`<p>Your login code is <strong>` + html.EscapeString(msg.Code) + `</strong>.</p>
		<p>It expires in 5 minutes.</p>`
	case KindVerificationLink:
		link := m.link("/api/verify", msg.Token)
		return "Verify your email",
			`<h1>Welcome!</h1>
		<p>Please verify your email address by clicking the link below:</p>
		<a href="` + link + `">Verify Email</a>`
	case KindPasswordResetLink:
		link := m.link("/reset-password", msg.Token)
		return "Reset your password",
			`<h1>Password Reset Request</h1>
		<p>You requested a password reset. Click the link below to set a new password:</p>
		<a href="` + link + `">Reset Password</a>
		<p>If you did not request this, please ignore this email.</p>`
	default:
		return "", ""
	}
}

func (m *Mailer) link(path, token string) string {
	return html.EscapeString(m.appURL + path + "?token=" + url.QueryEscape(token))
}
