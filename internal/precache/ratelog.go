package precache

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitedLogger lets at most one line through per minute.
type rateLimitedLogger struct {
	logger    *zap.Logger
	sometimes rate.Sometimes
}

func newRateLimitedLogger(logger *zap.Logger) *rateLimitedLogger {
	return newRateLimitedLoggerEvery(logger, time.Minute)
}

func newRateLimitedLoggerEvery(logger *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		logger:    logger,
		sometimes: rate.Sometimes{Interval: interval},
	}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.sometimes.Do(func() {
		l.logger.Warn(msg, fields...)
	})
}
