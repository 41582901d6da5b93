package kafka_test

import (
	"context"
	"errors"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/kafka"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type published struct {
	topic   string
	key     string
	value   []byte
	headers []segkafka.Header
}

type recordingProducer struct {
	msgs []published
	err  error
}

func (p *recordingProducer) Publish(_ context.Context, topic, key string, value []byte, headers ...segkafka.Header) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *recordingProducer) Close() error { return nil }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c kafka.HeaderCarrier
	c.Set("traceparent", "a")
	c.Set("other", "x")
	c.Set("traceparent", "b")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "x", c.Get("other"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "other"}, c.Keys())
}

func TestRebuildQueue_KeyedByHash(t *testing.T) {
	p := &recordingProducer{}
	q := kafka.NewRebuildQueue(p, "")

	dims := domain.Dimensions{"pool": {"default"}, "os": {"Linux"}}
	payload := taskqueues.RebuildPayload{
		Dimensions:     dims,
		DimensionsHash: "12345",
		ValidUntil:     time.Date(2014, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, q.EnqueueRebuild(context.Background(), payload))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, kafka.DefaultRebuildTopic, p.msgs[0].topic)
	assert.Equal(t, "12345", p.msgs[0].key)

	decoded, err := taskqueues.DecodeRebuildPayload(p.msgs[0].value)
	require.NoError(t, err)
	assert.Equal(t, payload.Dimensions, decoded.Dimensions)
	assert.True(t, payload.ValidUntil.Equal(decoded.ValidUntil))
}

func TestNotifier_Message(t *testing.T) {
	p := &recordingProducer{}
	n := kafka.NewNotifier(p, "custom.notifications")

	err := n.Notify(context.Background(), scheduler.Notification{
		TaskID:    "1d69b9f088008810",
		Topic:     "projects/abc/topics/def",
		AuthToken: "token",
		Userdata:  "data",
		State:     "COMPLETED",
	})
	require.NoError(t, err)

	require.Len(t, p.msgs, 1)
	msg := p.msgs[0]
	assert.Equal(t, "custom.notifications", msg.topic)
	assert.Equal(t, "projects/abc/topics/def", msg.key)
	assert.JSONEq(t, `{"task_id":"1d69b9f088008810","userdata":"data","state":"COMPLETED"}`, string(msg.value))

	headers := kafka.HeaderCarrier(msg.headers)
	assert.Equal(t, "projects/abc/topics/def", headers.Get(kafka.HeaderPubSubTopic))
	assert.Equal(t, "token", headers.Get(kafka.HeaderAuthToken))
}

func TestNotifier_NoAuthToken(t *testing.T) {
	p := &recordingProducer{}
	n := kafka.NewNotifier(p, "")

	require.NoError(t, n.Notify(context.Background(), scheduler.Notification{
		TaskID: "x", Topic: "projects/a/topics/b", State: "EXPIRED",
	}))
	require.Len(t, p.msgs, 1)
	assert.Equal(t, kafka.DefaultNotificationTopic, p.msgs[0].topic)
	assert.NotContains(t, kafka.HeaderCarrier(p.msgs[0].headers).Keys(), kafka.HeaderAuthToken)
}

func TestNotifier_PropagatesPublishError(t *testing.T) {
	n := kafka.NewNotifier(&recordingProducer{err: errors.New("broker down")}, "")
	err := n.Notify(context.Background(), scheduler.Notification{TaskID: "x", Topic: "t", State: "COMPLETED"})
	assert.ErrorContains(t, err, "broker down")
}
