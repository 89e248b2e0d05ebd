//go:build integration

package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/docker/docker/client"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"go.uber.org/zap"

	"tta-server/shared/messaging"
	"tta-server/shared/models"
)

func TestRabbitMQTurnPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		t.Skipf("Docker client init error: %v", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		t.Skipf("Docker daemon is not running or accessible: %v", err)
	}
	_ = cli.Close()

	ctx := context.Background()
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	conn, err := messaging.Dial(ctx, url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p, err := messaging.NewRabbitMQTurnPublisher(conn, "tta_turn_events_test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.PublishTurnEvent(ctx, models.TurnEvent{SessionID: "s1", Turn: 1, Outcome: models.TurnCompleted}))

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var msg amqp.Delivery
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok, err = ch.Get("tta_turn_events_test", true)
		return err == nil && ok
	}, 10*time.Second, 100*time.Millisecond)

	var event models.TurnEvent
	require.NoError(t, json.Unmarshal(msg.Body, &event))
	assert.Equal(t, "s1", event.SessionID)
	assert.Equal(t, models.TurnCompleted, event.Outcome)
}
