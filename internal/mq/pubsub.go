package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/truststaff/apiserver/config"
	"google.golang.org/api/option"
)

const pubsubAckDeadline = 30 * time.Second

// PubSub is a Backend over Google Cloud Pub/Sub. Each channel is a topic with
// one subscription named by appending the configured suffix.
type PubSub struct {
	client *pubsub.Client
	suffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSub(ctx context.Context, cfg config.PubSubConfig) (*PubSub, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	suffix := cfg.SubscriptionSuffix
	if suffix == "" {
		suffix = "-sub"
	}
	return &PubSub{client: client, suffix: suffix, topics: make(map[string]*pubsub.Topic)}, nil
}

func (p *PubSub) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	id, err := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return id, nil
}

// Subscribe nacks messages whose handler fails. Once the broker reports more
// than maxDeliveryAttempts deliveries the message is acked and dropped. The
// attempt count is only reported for subscriptions with a dead letter policy.
func (p *PubSub) Subscribe(ctx context.Context, channel string, handler Handler) error {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return err
	}
	sub, err := p.subscription(ctx, channel+p.suffix, topic)
	if err != nil {
		return err
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if n := msg.DeliveryAttempt; n != nil && *n > maxDeliveryAttempts {
			msg.Ack()
			return
		}
		if err := handler(ctx, Message{ID: msg.ID, Data: msg.Data, Attributes: msg.Attributes}); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive from %s: %w", channel, err)
	}
	return ctx.Err()
}

// Close flushes pending publishes and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, topic := range p.topics {
		topic.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *PubSub) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("pubsub channel is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if topic, ok := p.topics[name]; ok {
		return topic, nil
	}

	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", name, err)
	}
	if !exists {
		if topic, err = p.client.CreateTopic(ctx, name); err != nil {
			return nil, fmt.Errorf("create topic %s: %w", name, err)
		}
	}
	p.topics[name] = topic
	return topic, nil
}

func (p *PubSub) subscription(ctx context.Context, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", name, err)
	}
	if exists {
		return sub, nil
	}
	sub, err = p.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: pubsubAckDeadline,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", name, err)
	}
	return sub, nil
}
