package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes notifications to the log instead of sending them. It is
// meant for local development only: codes and tokens end up in the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendTwoFactorCode(_ context.Context, to, code string) error {
	n.logger.Info("2fa code", zap.String("to", to), zap.String("code", code))
	return nil
}

func (n *LogNotifier) SendVerificationLink(_ context.Context, to, token string) error {
	n.logger.Info("verification link", zap.String("to", to), zap.String("token", token))
	return nil
}

func (n *LogNotifier) SendPasswordResetLink(_ context.Context, to, token string) error {
	n.logger.Info("password reset link", zap.String("to", to), zap.String("token", token))
	return nil
}
