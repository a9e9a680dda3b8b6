package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/events"
	"multitenant-template/shared/influxx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
	"multitenant-template/shared/mqx"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type TopicResolver interface {
	ResolveTopic(bodyType string, destination string) string
}

// DeliveryRecorder receives one observation per delivered record.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, record models.OutboxRecord, elapsed time.Duration) error
}

// KafkaDeliverer sends every message of a record to Kafka: publish messages
// to the topic mapped from their body type, send messages to their destination.
type KafkaDeliverer struct {
	producerFor func(tenantID string) (Publisher, error)
	topics      TopicResolver
	recorder    DeliveryRecorder
	logger      logx.Logger
	now         func() time.Time
}

func NewKafkaDeliverer(router *mqx.Router, recorder DeliveryRecorder, logger logx.Logger) *KafkaDeliverer {
	return &KafkaDeliverer{
		producerFor: func(tenantID string) (Publisher, error) {
			p, err := router.ProducerFor(tenantID)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		topics:   router,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, record models.OutboxRecord) (int, error) {
	start := d.now()
	for i, msg := range record.Messages {
		if err := d.send(ctx, msg); err != nil {
			return i, fmt.Errorf("message %s: %w", msg.MessageID, err)
		}
	}
	if d.recorder != nil {
		if err := d.recorder.RecordDelivery(ctx, record, d.now().Sub(start)); err != nil {
			metricsx.IncInfluxWriteFailure()
			d.logger.Warn(ctx, "outbox_delivery_record_failed", "failed to record outbox delivery",
				slog.String("record_id", record.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(record.Messages), nil
}

func (d *KafkaDeliverer) send(ctx context.Context, msg models.OutboxMessage) error {
	tenantID := msg.Headers[models.HeaderTenantID]
	producer, err := d.producerFor(tenantID)
	if err != nil {
		return err
	}
	topic := d.topics.ResolveTopic(msg.Body.Type, msg.Destination)

	value, err := json.Marshal(events.Envelope{
		MessageID:     msg.MessageID,
		TenantID:      tenantID,
		CorrelationID: msg.Headers[models.HeaderCorrelationID],
		OccurredAt:    d.now().UTC(),
		Type:          msg.Body.Type,
		Payload:       msg.Body.Payload,
	})
	if err != nil {
		return err
	}

	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[models.HeaderMessageID] = msg.MessageID.String()
	headers[models.HeaderBodyType] = msg.Body.Type

	// One flow lands on one partition.
	key := msg.Headers[models.HeaderCorrelationID]
	if key == "" {
		key = msg.MessageID.String()
	}
	return producer.Publish(ctx, topic, []byte(key), value, headers)
}

// InfluxRecorder writes an outbox_delivery point per delivered record.
type InfluxRecorder struct {
	client       *influxx.Client
	dispatcherID string
}

func NewInfluxRecorder(client *influxx.Client, dispatcherID string) *InfluxRecorder {
	return &InfluxRecorder{client: client, dispatcherID: dispatcherID}
}

func (r *InfluxRecorder) RecordDelivery(ctx context.Context, record models.OutboxRecord, elapsed time.Duration) error {
	tenantID := ""
	if len(record.Messages) > 0 {
		tenantID = record.Messages[0].Headers[models.HeaderTenantID]
	}
	return r.client.WritePoint(ctx, "outbox_delivery",
		map[string]string{
			"dispatcher_id": r.dispatcherID,
			"tenant_id":     tenantID,
		},
		map[string]any{
			"messages":    len(record.Messages),
			"duration_ms": elapsed.Milliseconds(),
			"sid":         record.SID,
		},
		time.Time{},
	)
}
