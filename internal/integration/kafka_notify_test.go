//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/adapter/kafka"
	"github.com/couchcryptid/storm-bulletins/internal/adapter/memstore"
	"github.com/couchcryptid/storm-bulletins/internal/config"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/publish"
	"github.com/couchcryptid/storm-bulletins/internal/push"
	"github.com/couchcryptid/storm-bulletins/internal/store"
)

const testNotifyTopic = "test-notifications"

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaNotifyTopic:   testNotifyTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 2 * time.Second,
	}
}

// TestPublishToInbox publishes through the Kafka writer and verifies that the
// inbox delivers only the notifications addressed to its subscribed topics.
func TestPublishToInbox(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testNotifyTopic)

	cfg := testConfig(broker, "test-inbox")

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	metrics := observability.NewMetricsForTesting()
	inbox := push.New(reader, clockwork.NewRealClock(), discardLogger(), metrics, 10)
	inbox.Subscribe(domain.GeneralTopic)

	inboxCtx, inboxCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- inbox.Run(inboxCtx) }()

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	backend := memstore.New(clockwork.NewRealClock())
	users := store.NewUserRepo(backend)
	require.NoError(t, users.Upsert(ctx, domain.AppUser{UID: "I2"}))
	require.NoError(t, users.SetRole(ctx, "I2", domain.RoleInstitution, true))

	pub := publish.New(store.NewBulletinRepo(backend), store.NewEventRepo(backend), users, writer, 30*time.Second, discardLogger(), metrics)
	admin := &domain.AppUser{UID: "A1", IsAdmin: true}

	// The reader starts at the latest offset, so anything published before
	// the group has its partition is skipped. Publish until one lands.
	publishUntilDelivered := func(title string) domain.Event {
		t.Helper()
		for {
			event, err := pub.PublishEvent(ctx, admin, domain.Event{Title: title, Description: "Salle B"})
			require.NoError(t, err)
			require.NoError(t, pub.Wait(ctx))

			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if last, ok := inbox.Last(); ok && last.PostID == event.ID {
					return event
				}
				time.Sleep(100 * time.Millisecond)
			}
			require.NoError(t, ctx.Err(), "event notification never delivered")
		}
	}

	first := publishUntilDelivered("Forum climat")
	last, _ := inbox.Last()
	assert.Equal(t, domain.GeneralTopic, last.Topic)
	assert.Equal(t, domain.KindEvent, last.Kind)
	assert.Equal(t, "Forum climat", last.Title)
	assert.Equal(t, first.ID, last.PostID)

	// Targeted at an institution this device is not subscribed to.
	_, err := pub.PublishBulletin(ctx, admin, domain.Bulletin{
		Title: "Pour I2", Description: "Ciblé", Severity: domain.SeverityUrgent,
		EndDate: "2099-01-01", TargetInstitutionID: "I2",
	})
	require.NoError(t, err)
	require.NoError(t, pub.Wait(ctx))

	delivered := observability.ReadValue(metrics.PushesDelivered)
	second := publishUntilDelivered("Atelier")
	last, _ = inbox.Last()
	assert.Equal(t, second.ID, last.PostID)

	consumed := observability.ReadValue(metrics.PushesConsumed)
	assert.InDelta(t, delivered+1, observability.ReadValue(metrics.PushesDelivered), 0.0001, "targeted push is not delivered")
	assert.Greater(t, consumed, observability.ReadValue(metrics.PushesDelivered), "targeted push was consumed and ignored")

	inboxCancel()
	require.NoError(t, <-errCh)
}
