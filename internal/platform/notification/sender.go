package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Sender delivers a rendered envelope over one transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, env *Envelope) error
}

// configurable is implemented by senders that can exist without credentials.
type configurable interface {
	Configured() bool
}

// SenderConfig carries the settings for every transport; only the fields of
// the selected Driver are read.
type SenderConfig struct {
	Driver       string // resend | sqs | kafka | log
	ResendAPIKey string
	FromEmail    string
	SQSQueueURL  string
	SQSQueueName string
	KafkaBrokers []string
	KafkaTopic   string
}

// NewSender builds the transport named by cfg.Driver.
func NewSender(ctx context.Context, cfg SenderConfig, logger zerolog.Logger) (Sender, error) {
	switch cfg.Driver {
	case "resend":
		return NewResendSender(cfg.ResendAPIKey, cfg.FromEmail, logger), nil
	case "sqs":
		return NewSQSSender(ctx, SQSConfig{QueueURL: cfg.SQSQueueURL, QueueName: cfg.SQSQueueName})
	case "kafka":
		return NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "", "log":
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown notification driver %q", cfg.Driver)
	}
}

// LogSender writes envelopes to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, env *Envelope) error {
	s.logger.Info().
		Str("envelope_id", env.ID).
		Str("notification_type", string(env.NotificationType)).
		Str("to", env.To).
		Str("subject", env.Subject).
		Msg("notification not delivered (log driver)")
	return nil
}
