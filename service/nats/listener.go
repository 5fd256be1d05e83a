package nats

import (
	"context"
	"io"
	"log/slog"

	"github.com/brojonat/hydraico/service/purchase"
)

// StatusListener publishes every pipeline transition. Publish failures are
// logged and never affect the attempt.
type StatusListener struct {
	publisher Publisher
	logger    *slog.Logger
}

var _ purchase.Listener = (*StatusListener)(nil)

func NewStatusListener(p Publisher, logger *slog.Logger) *StatusListener {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &StatusListener{publisher: p, logger: logger}
}

func (l *StatusListener) OnTransition(ctx context.Context, t purchase.Transition) {
	event := FromTransition(t)
	if err := l.publisher.PublishPurchaseEvent(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "failed to publish purchase event",
			"attempt_id", t.AttemptID,
			"status", event.Status,
			"error", err,
		)
	}
}
