package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/truststaff/apiserver/config"
)

const (
	defaultContentType = "application/octet-stream"

	// headerAttempts counts deliveries of a message that failed handling.
	headerAttempts = "x-attempts"
)

// RabbitMQ is a Backend over a single AMQP connection. Publishing and consuming
// use separate channels so a slow consumer never blocks publishers.
type RabbitMQ struct {
	conn      *amqp.Connection
	publishMu sync.Mutex
	publishCh *amqp.Channel
	consumeCh *amqp.Channel
	cfg       config.RabbitMQConfig

	declaredMu sync.Mutex
	declared   map[string]bool
}

// NewRabbitMQ dials cfg.URL and opens the publish and consume channels.
func NewRabbitMQ(cfg config.RabbitMQConfig) (*RabbitMQ, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if cfg.PrefetchCount > 0 {
		if err := consumeCh.Qos(cfg.PrefetchCount, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	return &RabbitMQ{
		conn:      conn,
		publishCh: publishCh,
		consumeCh: consumeCh,
		cfg:       cfg,
		declared:  make(map[string]bool),
	}, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}
	if err := r.declare(channel); err != nil {
		return "", err
	}

	msg := amqp.Publishing{
		ContentType: defaultContentType,
		MessageId:   uuid.NewString(),
		Headers:     amqp.Table{},
		Body:        data,
	}
	if r.cfg.QueueDurable {
		msg.DeliveryMode = amqp.Persistent
	}
	for key, value := range attrs {
		if key == AttrContentType {
			msg.ContentType = value
			continue
		}
		msg.Headers[key] = value
	}

	if err := r.publish(ctx, channel, msg); err != nil {
		return "", err
	}
	return msg.MessageId, nil
}

// Subscribe acks handled messages. A message whose handler fails is
// republished with an incremented attempt count until maxDeliveryAttempts,
// then dropped.
func (r *RabbitMQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}
	if err := r.declare(channel); err != nil {
		return err
	}

	tag := "truststaff-" + uuid.NewString()
	deliveries, err := r.consumeCh.Consume(channel, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", channel, err)
	}
	defer func() {
		_ = r.consumeCh.Cancel(tag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, toMessage(delivery)); err != nil {
				r.retry(ctx, channel, delivery)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

func (r *RabbitMQ) retry(ctx context.Context, channel string, delivery amqp.Delivery) {
	attempts := deliveryAttempts(delivery.Headers) + 1
	if attempts >= maxDeliveryAttempts {
		_ = delivery.Nack(false, false)
		return
	}

	headers := amqp.Table{}
	for key, value := range delivery.Headers {
		headers[key] = value
	}
	headers[headerAttempts] = int32(attempts)
	err := r.publish(ctx, channel, amqp.Publishing{
		ContentType:  delivery.ContentType,
		DeliveryMode: delivery.DeliveryMode,
		MessageId:    delivery.MessageId,
		Headers:      headers,
		Body:         delivery.Body,
	})
	if err != nil {
		// Hand it back to the broker rather than lose it.
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

func (r *RabbitMQ) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	if err := r.publishCh.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (r *RabbitMQ) declare(queue string) error {
	r.declaredMu.Lock()
	defer r.declaredMu.Unlock()
	if r.declared[queue] {
		return nil
	}
	r.publishMu.Lock()
	_, err := r.publishCh.QueueDeclare(queue, r.cfg.QueueDurable, r.cfg.QueueAutoDelete, false, false, nil)
	r.publishMu.Unlock()
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	r.declared[queue] = true
	return nil
}

// Close closes both channels with the connection.
func (r *RabbitMQ) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func toMessage(delivery amqp.Delivery) Message {
	attrs := make(map[string]string, len(delivery.Headers)+1)
	for key, value := range delivery.Headers {
		if key == headerAttempts {
			continue
		}
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	if delivery.ContentType != "" {
		attrs[AttrContentType] = delivery.ContentType
	}
	return Message{ID: delivery.MessageId, Data: delivery.Body, Attributes: attrs}
}

func deliveryAttempts(headers amqp.Table) int {
	switch v := headers[headerAttempts].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
