package mq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const memoryQueueSize = 1024

// ErrQueueFull is returned when an in-memory queue cannot accept more messages.
var ErrQueueFull = errors.New("queue full")

// Memory is an in-process Backend. Messages that fail handling are put back at
// the end of the queue until maxDeliveryAttempts is reached.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	attempts map[string]int
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[string]chan Message), attempts: make(map[string]int)}
}

func (m *Memory) Publish(_ context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}
	msg := Message{
		ID:         uuid.NewString(),
		Data:       append([]byte(nil), data...),
		Attributes: attrs,
	}
	select {
	case m.queue(channel) <- msg:
		return msg.ID, nil
	default:
		return "", ErrQueueFull
	}
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("memory channel is required")
	}
	queue := m.queue(channel)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-queue:
			if err := handler(ctx, msg); err != nil && m.failed(msg.ID) {
				select {
				case queue <- msg:
				default:
				}
				continue
			}
			m.forget(msg.ID)
		}
	}
}

// failed counts a failed delivery and reports whether msg may be requeued.
func (m *Memory) failed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id]++
	return m.attempts[id] < maxDeliveryAttempts
}

func (m *Memory) forget(id string) {
	m.mu.Lock()
	delete(m.attempts, id)
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	return nil
}

// Len reports how many messages wait on channel.
func (m *Memory) Len(channel string) int {
	return len(m.queue(channel))
}

func (m *Memory) queue(channel string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[channel]
	if !ok {
		q = make(chan Message, memoryQueueSize)
		m.queues[channel] = q
	}
	return q
}
