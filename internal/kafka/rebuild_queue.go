package kafka

import (
	"context"
	"fmt"

	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

// DefaultRebuildTopic carries deferred index rebuilds.
const DefaultRebuildTopic = "dispatch.rebuild-task-cache"

// RebuildQueue publishes rebuild payloads. Payloads are keyed by dimension
// hash so redeliveries of one requirement set stay ordered on a partition.
type RebuildQueue struct {
	producer Producer
	topic    string
}

var _ taskqueues.RebuildQueue = (*RebuildQueue)(nil)

// NewRebuildQueue publishes to topic, or DefaultRebuildTopic when empty.
func NewRebuildQueue(p Producer, topic string) *RebuildQueue {
	if topic == "" {
		topic = DefaultRebuildTopic
	}
	return &RebuildQueue{producer: p, topic: topic}
}

func (q *RebuildQueue) EnqueueRebuild(ctx context.Context, p taskqueues.RebuildPayload) error {
	body, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encode rebuild payload: %w", err)
	}
	return q.producer.Publish(ctx, q.topic, p.DimensionsHash, body)
}
