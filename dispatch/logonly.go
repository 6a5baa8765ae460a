package dispatch

import (
	"context"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
)

// LogEmailSender logs messages instead of sending them. Used when SES is
// not configured.
type LogEmailSender struct{}

func (LogEmailSender) Send(_ context.Context, msg EmailMessage) error {
	logger.Info("Email not sent (no sender configured)", "to", msg.To, "subject", msg.Subject)
	return nil
}

// LogPublisher logs queue messages instead of publishing them.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, queueURL string, body []byte, dedupID string) error {
	logger.Info("Queue message not published (no queue client configured)",
		"queue_url", queueURL, "dedup_id", dedupID, "bytes", len(body))
	return nil
}
