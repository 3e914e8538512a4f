package broadcast

import (
	"context"

	"tapin/internal/queue"
)

// QueuePublisher hands events to the worker queue instead of delivering
// them directly, keeping cross-process fan-out off the check-in path.
type QueuePublisher struct {
	q queue.Queue
}

// NewQueuePublisher wraps a queue backend.
func NewQueuePublisher(q queue.Queue) *QueuePublisher {
	return &QueuePublisher{q: q}
}

func (p *QueuePublisher) Publish(ctx context.Context, evt Event) error {
	body, err := Marshal(evt)
	if err != nil {
		return err
	}
	return p.q.Publish(ctx, queue.Message{Type: queue.TypeCheckIn, Body: body})
}
