package notify

import (
	"context"
	"fmt"

	"github.com/truststaff/apiserver/internal/mq"
)

// AttrKind is the message attribute holding the notification kind.
const AttrKind = "kind"

// Publisher hands notifications to the queue for the mailer worker.
type Publisher struct {
	queue   *mq.MQ
	channel string
}

func NewPublisher(queue *mq.MQ, channel string) *Publisher {
	return &Publisher{queue: queue, channel: channel}
}

func (p *Publisher) SendTwoFactorCode(ctx context.Context, to, code string) error {
	return p.publish(ctx, Message{Kind: KindTwoFactorCode, To: to, Code: code})
}

func (p *Publisher) SendVerificationLink(ctx context.Context, to, token string) error {
	return p.publish(ctx, Message{Kind: KindVerificationLink, To: to, Token: token})
}

func (p *Publisher) SendPasswordResetLink(ctx context.Context, to, token string) error {
	return p.publish(ctx, Message{Kind: KindPasswordResetLink, To: to, Token: token})
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	if _, err := p.queue.PublishJSON(ctx, p.channel, msg, map[string]string{AttrKind: string(msg.Kind)}); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}
