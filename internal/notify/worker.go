package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/truststaff/apiserver/internal/mq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Deliverer sends one decoded notification.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Worker consumes queued notifications and delivers them at a bounded rate.
type Worker struct {
	queue     *mq.MQ
	channel   string
	deliverer Deliverer
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewWorker builds a Worker sending at most perSecond messages per second.
// A non-positive perSecond disables pacing.
func NewWorker(queue *mq.MQ, channel string, deliverer Deliverer, perSecond float64, logger *zap.Logger) *Worker {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		channel:   channel,
		deliverer: deliverer,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Run consumes until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("notification worker started", zap.String("channel", w.channel))
	err := w.queue.Subscribe(ctx, w.channel, w.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle delivers one queued message. Malformed messages are dropped so they
// do not loop through the queue; delivery failures are returned for a retry.
func (w *Worker) Handle(ctx context.Context, raw mq.Message) error {
	var msg Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		w.logger.Error("dropping undecodable notification", zap.String("message_id", raw.ID), zap.Error(err))
		return nil
	}
	if err := msg.Validate(); err != nil {
		w.logger.Error("dropping invalid notification", zap.String("message_id", raw.ID), zap.Error(err))
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	if err := w.deliverer.Deliver(ctx, msg); err != nil {
		w.logger.Warn("notification delivery failed",
			zap.String("message_id", raw.ID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
		return err
	}
	w.logger.Debug("notification delivered", zap.String("message_id", raw.ID), zap.String("kind", string(msg.Kind)))
	return nil
}
