package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

// AttrContentType carries the payload media type across backends.
const AttrContentType = "content_type"

// maxDeliveryAttempts bounds how often a broker hands a failing message back
// to a handler before dropping it.
const maxDeliveryAttempts = 5

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
}

// New constructs an MQ wrapper for the provided backend.
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// PublishJSON encodes value as JSON and sends it to the named channel.
func (m *MQ) PublishJSON(ctx context.Context, channel string, value any, attrs map[string]string) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	merged := make(map[string]string, len(attrs)+1)
	for key, v := range attrs {
		merged[key] = v
	}
	merged[AttrContentType] = "application/json"
	return m.backend.Publish(ctx, channel, data, merged)
}

// Subscribe consumes messages from the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
