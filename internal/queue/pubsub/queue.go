// Package pubsub backs the task queue with Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/queue"
)

// Attribute keys set on every published message.
const (
	AttrKind           = "kind"
	AttrIdempotencyKey = "idempotency_key"
)

// Config names the Pub/Sub resources.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Queue publishes tasks to a topic and receives them from a subscription.
type Queue struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
}

// New dials Pub/Sub using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		client:    client,
		publisher: client.Publisher(cfg.Topic),
		logger:    logger,
	}
	if cfg.Subscription != "" {
		q.subscriber = client.Subscriber(cfg.Subscription)
	}
	return q, nil
}

// Enqueue publishes the task and waits for the server acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) error {
	msg, err := encode(ctx, task)
	if err != nil {
		return err
	}
	if _, err := q.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish %s task: %w", task.Kind, err)
	}
	return nil
}

// Consume receives messages until ctx ends. Handler errors nack the message so
// Pub/Sub redelivers it under the subscription's retry policy.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	if q.subscriber == nil {
		return errors.New("pubsub subscription is not configured")
	}
	err := q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx, task, err := decode(ctx, msg)
		if err != nil {
			q.logger.Error("dropping malformed task message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		if err := h(ctx, task); err != nil {
			q.logger.Warn("task failed; nacking",
				zap.String("kind", string(task.Kind)),
				zap.Int("attempt", task.Attempt),
				zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (q *Queue) Close() error {
	q.publisher.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func encode(ctx context.Context, task model.Task) (*pubsub.Message, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrKind:           string(task.Kind),
			AttrIdempotencyKey: task.IdempotencyKey,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})
	return msg, nil
}

func decode(ctx context.Context, msg *pubsub.Message) (context.Context, model.Task, error) {
	var task model.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		return ctx, model.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.Kind == "" {
		return ctx, model.Task{}, errors.New("task kind is empty")
	}
	if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 0 {
		task.Attempt = *msg.DeliveryAttempt - 1
	}
	if msg.Attributes != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: msg.Attributes})
	}
	return ctx, task, nil
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
