package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/foxzi/smsqueue/internal/models"
)

const defaultBillingQueue = "sms.billing"

// AMQPBiller publishes billing events to a durable RabbitMQ queue
type AMQPBiller struct {
	url    string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPBiller connects to the broker and declares the billing queue
func NewAMQPBiller(url, queue string, logger *slog.Logger) (*AMQPBiller, error) {
	if queue == "" {
		queue = defaultBillingQueue
	}

	b := &AMQPBiller{
		url:    url,
		queue:  queue,
		logger: logger,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBiller) connectLocked() error {
	b.closeLocked()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", b.queue, err)
	}

	b.conn = conn
	b.ch = ch
	return nil
}

func (b *AMQPBiller) ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error {
	body, err := json.Marshal(NewEvent(campaign))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    campaign.ID,
		Type:         EventCampaignCompleted,
		Timestamp:    time.Now(),
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connectLocked(); err != nil {
			return err
		}
	}

	if err := b.ch.Publish("", b.queue, false, false, msg); err != nil {
		b.logger.Warn("billing publish failed, reconnecting", "campaign_id", campaign.ID, "error", err)
		if err := b.connectLocked(); err != nil {
			return err
		}
		if err := b.ch.Publish("", b.queue, false, false, msg); err != nil {
			return fmt.Errorf("failed to publish billing event: %w", err)
		}
	}

	b.logger.Info("billing event published", "campaign_id", campaign.ID, "queue", b.queue)
	return nil
}

// closeLocked releases the current channel and connection, if any
func (b *AMQPBiller) closeLocked() error {
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Close closes the broker connection
func (b *AMQPBiller) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}
