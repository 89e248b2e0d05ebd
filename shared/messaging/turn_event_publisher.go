// Package messaging publishes turn events to RabbitMQ.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// Суффиксы для dead-letter exchange и очереди, общие с потребителями событий.
const (
	dlxSuffix     = "_dlx"
	dlqSuffix     = "_dlq"
	dlqRoutingKey = "dlq"
)

// Channel - часть *amqp.Channel, которой пользуется издатель.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Compile-time check
var _ interfaces.TurnEventPublisher = (*RabbitMQTurnPublisher)(nil)

// RabbitMQTurnPublisher пишет события хода в durable очередь через default exchange.
type RabbitMQTurnPublisher struct {
	ch        Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQTurnPublisher opens a channel and declares the turn events queue with its dead-letter pair.
// Queue arguments must match the consumers' declaration.
func NewRabbitMQTurnPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (*RabbitMQTurnPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("turn publisher: не удалось открыть канал: %w", err)
	}
	if err := declareTurnQueue(ch, queueName); err != nil {
		_ = ch.Close()
		return nil, err
	}
	logger.Info("Turn events queue declared", zap.String("queue", queueName))
	return NewTurnPublisherWithChannel(ch, queueName, logger), nil
}

// NewTurnPublisherWithChannel wraps an already prepared channel.
func NewTurnPublisherWithChannel(ch Channel, queueName string, logger *zap.Logger) *RabbitMQTurnPublisher {
	return &RabbitMQTurnPublisher{ch: ch, queueName: queueName, logger: logger.Named("TurnPublisher")}
}

func declareTurnQueue(ch *amqp.Channel, queueName string) error {
	dlx := queueName + dlxSuffix
	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("turn publisher: не удалось объявить exchange '%s': %w", dlx, err)
	}
	dlq := queueName + dlqSuffix
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("turn publisher: не удалось объявить очередь '%s': %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, dlqRoutingKey, dlx, false, nil); err != nil {
		return fmt.Errorf("turn publisher: не удалось привязать очередь '%s': %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlqRoutingKey,
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("turn publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}
	return nil
}

// PublishTurnEvent публикует событие хода как persistent JSON сообщение.
func (p *RabbitMQTurnPublisher) PublishTurnEvent(ctx context.Context, event models.TurnEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal turn event: %w", err)
	}
	err = p.ch.PublishWithContext(ctx,
		"",          // default exchange
		p.queueName, // routing key = имя очереди
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: event.SessionID,
			Timestamp:     event.OccurredAt,
			Type:          string(event.Outcome),
			Body:          body,
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish turn event",
			zap.String("session_id", event.SessionID), zap.Int64("turn", event.Turn), zap.Error(err))
		return fmt.Errorf("failed to publish turn event: %w", err)
	}
	p.logger.Debug("Turn event published", zap.String("session_id", event.SessionID), zap.Int64("turn", event.Turn))
	return nil
}

// Close закрывает канал.
func (p *RabbitMQTurnPublisher) Close() error {
	if p.ch == nil {
		return nil
	}
	return p.ch.Close()
}

// Dial подключается к RabbitMQ с несколькими попытками.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*amqp.Connection, error) {
	const maxRetries = 5
	retryDelay := 3 * time.Second
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("Не удалось подключиться к RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("rabbitmq unavailable after %d attempts: %w", maxRetries, lastErr)
}

// NopPublisher отбрасывает события, когда брокер не настроен.
type NopPublisher struct{}

func (NopPublisher) PublishTurnEvent(context.Context, models.TurnEvent) error { return nil }
