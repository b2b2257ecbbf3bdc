// Package sink holds decorators shared by every link.Sink backend.
package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/metrics"
)

// EventLinkSaved is the notification type published after a row is stored.
const EventLinkSaved = "link.saved"

// Notification is the payload published for every stored row.
type Notification struct {
	Event   string    `json:"event"`
	SavedAt time.Time `json:"saved_at"`
	Row     link.Row  `json:"row"`
}

// Notifying wraps a Sink and publishes a notification after each successful
// write. Publish failures are logged and never fail the write.
type Notifying struct {
	next      link.Sink
	publisher link.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifying wraps next. A nil publisher disables notifications.
func NewNotifying(next link.Sink, publisher link.Publisher, topic string, logger *zap.Logger) *Notifying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifying{next: next, publisher: publisher, topic: topic, logger: logger}
}

// Append writes row through the wrapped sink, then publishes.
func (n *Notifying) Append(ctx context.Context, row link.Row) error {
	if err := n.next.Append(ctx, row); err != nil {
		return err
	}
	if n.publisher == nil {
		return nil
	}
	msg := Notification{Event: EventLinkSaved, SavedAt: row.Timestamp.UTC(), Row: row}
	id, err := n.publisher.Publish(ctx, n.topic, msg)
	if err != nil {
		metrics.ObserveNotification(metrics.StatusFailed)
		n.logger.Warn("link notification failed",
			zap.String("url", row.URL),
			zap.String("topic", n.topic),
			zap.Error(err),
		)
		return nil
	}
	metrics.ObserveNotification(metrics.StatusSucceeded)
	n.logger.Debug("link notification published", zap.String("url", row.URL), zap.String("message_id", id))
	return nil
}
