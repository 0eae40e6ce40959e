package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "callflow-engine"

type correlationIDKey struct{}

// NewLogger builds the process logger. format is "json" for production or
// "console" for local runs; every entry carries the service name.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(trimmed))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	// Call outcomes are audit records; never drop them to sampling.
	cfg.Sampling = nil
	cfg.InitialFields = map[string]any{"service": serviceName}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationIDKey{}).(string)
	return id, ok && id != ""
}

// LoggerFor returns logger tagged with the correlation id carried by ctx, if any.
func LoggerFor(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return logger.With(zap.String("correlationId", id))
	}
	return logger
}

// EnrollmentFields are the structured fields attached to every log line about an enrollment.
func EnrollmentFields(state *domain.RetryState) []zap.Field {
	if state == nil {
		return nil
	}
	return []zap.Field{
		zap.String("retryStateId", state.ID),
		zap.String("contactId", state.ContactID),
		zap.String("campaignId", state.CampaignID),
		zap.String("state", state.State.String()),
		zap.Int("attemptCount", state.AttemptCount),
	}
}
