package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
)

// DefaultNotificationTopic carries task completion notifications.
const DefaultNotificationTopic = "dispatch.notifications"

// Header names on notification messages.
const (
	HeaderPubSubTopic = "pubsub_topic"
	HeaderAuthToken   = "auth_token"
)

// notificationBody is the message value. The auth token travels in a header
// so it stays out of logged payloads.
type notificationBody struct {
	TaskID   string `json:"task_id"`
	Userdata string `json:"userdata,omitempty"`
	State    string `json:"state"`
}

// Notifier relays completion notifications to Kafka, keyed by the pub/sub
// topic the request named. A bridge forwards them to the subscriber.
type Notifier struct {
	producer Producer
	topic    string
}

var _ scheduler.Notifier = (*Notifier)(nil)

// NewNotifier publishes to topic, or DefaultNotificationTopic when empty.
func NewNotifier(p Producer, topic string) *Notifier {
	if topic == "" {
		topic = DefaultNotificationTopic
	}
	return &Notifier{producer: p, topic: topic}
}

func (n *Notifier) Notify(ctx context.Context, msg scheduler.Notification) error {
	body, err := json.Marshal(notificationBody{
		TaskID:   msg.TaskID,
		Userdata: msg.Userdata,
		State:    msg.State,
	})
	if err != nil {
		return fmt.Errorf("encode notification for %s: %w", msg.TaskID, err)
	}

	headers := []segkafka.Header{header(HeaderPubSubTopic, msg.Topic)}
	if msg.AuthToken != "" {
		headers = append(headers, header(HeaderAuthToken, msg.AuthToken))
	}
	return n.producer.Publish(ctx, n.topic, msg.Topic, body, headers...)
}
