package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type capturedMail struct {
	messages []*gomail.Message
	err      error
}

func (c *capturedMail) send(m ...*gomail.Message) error {
	c.messages = append(c.messages, m...)
	return c.err
}

func TestMailerComposesMessages(t *testing.T) {
	sink := &capturedMail{}
	mailer := NewMailerWithSender("noreply@truststaff.local", "https://truststaff.example/", sink.send)
	ctx := context.Background()

	require.NoError(t, mailer.SendTwoFactorCode(ctx, "ana@x.com", "042917"))
	require.NoError(t, mailer.SendVerificationLink(ctx, "ana@x.com", "tok-1"))
	require.NoError(t, mailer.SendPasswordResetLink(ctx, "ana@x.com", "a.b+c"))
	require.Len(t, sink.messages, 3)

	first := sink.messages[0]
	require.Equal(t, []string{"noreply@truststaff.local"}, first.GetHeader("From"))
	require.Equal(t, []string{"ana@x.com"}, first.GetHeader("To"))
	require.Equal(t, []string{"Your login code"}, first.GetHeader("Subject"))
	require.Equal(t, []string{"Verify your email"}, sink.messages[1].GetHeader("Subject"))
	require.Equal(t, []string{"Reset your password"}, sink.messages[2].GetHeader("Subject"))
}

func TestMailerRendersLinks(t *testing.T) {
	mailer := NewMailerWithSender("noreply@x", "https://truststaff.example/", func(...*gomail.Message) error { return nil })

	_, body := mailer.render(Message{Kind: KindTwoFactorCode, To: "a@x.com", Code: "000123"})
	require.Contains(t, body, "<strong>000123</strong>")

	_, body = mailer.render(Message{Kind: KindVerificationLink, To: "a@x.com", Token: "tok-1"})
	require.Contains(t, body, `href="https://truststaff.example/api/verify?token=tok-1"`)

	_, body = mailer.render(Message{Kind: KindPasswordResetLink, To: "a@x.com", Token: "a.b+c"})
	require.Contains(t, body, `href="https://truststaff.example/reset-password?token=a.b%2Bc"`)
}

func TestMailerErrors(t *testing.T) {
	sink := &capturedMail{err: errors.New("relay refused")}
	mailer := NewMailerWithSender("noreply@x", "https://truststaff.example", sink.send)

	err := mailer.SendTwoFactorCode(context.Background(), "ana@x.com", "123456")
	require.ErrorContains(t, err, "relay refused")

	err = mailer.Deliver(context.Background(), Message{Kind: "sms", To: "ana@x.com"})
	require.ErrorIs(t, err, ErrInvalidMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, mailer.SendVerificationLink(ctx, "ana@x.com", "t"), context.Canceled)
	require.Len(t, sink.messages, 1)
}
