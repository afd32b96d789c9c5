package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDispatchTimeout = 30 * time.Second

// Notifier delivers codes and links to users. An error means the message was
// not handed off; callers never roll back the state change that triggered it.
type Notifier interface {
	SendTwoFactorCode(ctx context.Context, to, code string) error
	SendVerificationLink(ctx context.Context, to, token string) error
	SendPasswordResetLink(ctx context.Context, to, token string) error
}

// Dispatcher runs notifications off the request path. Failures are logged.
type Dispatcher struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Dispatcher{logger: logger, timeout: timeout}
}

// Go runs send in the background. The request context's values are kept but
// its cancellation is not, so the send outlives the response.
func (d *Dispatcher) Go(ctx context.Context, kind string, send func(ctx context.Context) error, fields ...zap.Field) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := send(sendCtx); err != nil {
			d.logger.Warn("notification failed",
				append(fields, zap.String("kind", kind), zap.Error(err))...)
			return
		}
		d.logger.Debug("notification sent", append(fields, zap.String("kind", kind))...)
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
