package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/config"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

func TestMapMessageToPush(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("newPosts"),
		Value:     []byte(`{"topic":"newPosts","postId":"b1"}`),
		Topic:     "bulletin-notifications",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "post_type", Value: []byte("bulletin")},
		},
	}

	m := mapMessageToPush(msg)

	assert.Equal(t, []byte("newPosts"), m.Key)
	assert.JSONEq(t, `{"topic":"newPosts","postId":"b1"}`, string(m.Value))
	assert.Equal(t, "bulletin-notifications", m.Topic)
	assert.Equal(t, 2, m.Partition)
	assert.Equal(t, int64(42), m.Offset)
	assert.Equal(t, now, m.Timestamp)
	assert.Equal(t, "bulletin", m.Headers["post_type"])
	assert.Nil(t, m.Commit)
}

func TestSerializeToMessage(t *testing.T) {
	n := domain.NotificationFor(domain.BulletinPost(domain.Bulletin{
		ID:                  "b1",
		Title:               "Alerte",
		Description:         "Pluies",
		TargetInstitutionID: "I1",
	}))

	msg, err := serializeToMessage(n)
	require.NoError(t, err)

	assert.Equal(t, []byte("institution_I1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"postId":"b1"`)
	assert.Contains(t, string(msg.Value), `"topic":"institution_I1"`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "post_type", msg.Headers[0].Key)
	assert.Equal(t, []byte("bulletin"), msg.Headers[0].Value)
	assert.Equal(t, "post_id", msg.Headers[1].Key)
	assert.Equal(t, []byte("b1"), msg.Headers[1].Value)
}

func TestNewWriter_UsesNotifyTopic(t *testing.T) {
	cfg := &config.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaNotifyTopic: "notify"}
	w := NewWriter(cfg, observability.DiscardLogger())
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, "notify", w.writer.Topic)
	assert.Equal(t, kafkago.RequireAll, w.writer.RequiredAcks)
}
