// Package outbox stages messages in the outbox table inside the caller's
// transaction and dispatches them later under a competing-consumer lease.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/tenantx"
)

const DefaultDeliveryTimeout = 4 * time.Second

// Store is the outbox record repository.
type Store interface {
	Insert(ctx context.Context, record models.OutboxRecord) error
	Reserve(ctx context.Context, dispatcherID string) (models.OutboxRecord, bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Transactor runs fn in a database transaction carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventSource is an aggregate holding pending domain events.
type EventSource interface {
	PendingEvents() []models.DomainEvent
	ClearEvents()
}

// DeliverFunc hands a reserved record to the transport and returns how many
// messages it delivered.
type DeliverFunc func(ctx context.Context, record models.OutboxRecord) (int, error)

type Options struct {
	DeliveryTimeout time.Duration
}

type Outbox struct {
	store           Store
	tx              Transactor
	logger          logx.Logger
	deliveryTimeout time.Duration
	newID           func() uuid.UUID
}

func New(store Store, tx Transactor, logger logx.Logger, opts Options) *Outbox {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return &Outbox{
		store:           store,
		tx:              tx,
		logger:          logger,
		deliveryTimeout: opts.DeliveryTimeout,
		newID:           uuid.New,
	}
}

// SaveEvents stages every pending event of aggregate as a publish message in
// one outbox record and clears the aggregate's buffer.
func (o *Outbox) SaveEvents(ctx context.Context, aggregate EventSource) (int, error) {
	if aggregate == nil {
		return 0, &models.ArgumentError{Name: "aggregate", Reason: "is required"}
	}
	pending := aggregate.PendingEvents()
	if len(pending) == 0 {
		return 0, nil
	}

	correlationID := o.correlationID(ctx)
	messages := make([]models.OutboxMessage, 0, len(pending))
	for _, ev := range pending {
		msg, err := o.newMessage(ctx, ev, ev.EventType(), "", correlationID)
		if err != nil {
			return 0, err
		}
		messages = append(messages, msg)
	}

	n, err := o.SaveMessages(ctx, messages...)
	if err != nil {
		return 0, err
	}
	aggregate.ClearEvents()
	return n, nil
}

// SaveCommand stages one point-to-point command for destination.
func (o *Outbox) SaveCommand(ctx context.Context, command any, destination string) error {
	if isNil(command) {
		return &models.ArgumentError{Name: "command", Reason: "is required"}
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return &models.ArgumentError{Name: "destination", Reason: "must not be blank"}
	}
	msg, err := o.newMessage(ctx, command, bodyType(command), destination, o.correlationID(ctx))
	if err != nil {
		return err
	}
	_, err = o.SaveMessages(ctx, msg)
	return err
}

// SaveMessages inserts messages as a single outbox record.
func (o *Outbox) SaveMessages(ctx context.Context, messages ...models.OutboxMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	record := models.OutboxRecord{ID: o.newID(), Messages: messages}
	if err := o.store.Insert(ctx, record); err != nil {
		return 0, err
	}
	return len(messages), nil
}

// DispatchEvents reserves at most one record, delivers it and deletes it, all
// in one transaction. It returns 0 with no error when nothing is pending. Any
// failure rolls the transaction back, so the record is delivered again later.
func (o *Outbox) DispatchEvents(ctx context.Context, dispatcherID string, deliver DeliverFunc) (int, error) {
	if strings.TrimSpace(dispatcherID) == "" {
		return 0, &models.ArgumentError{Name: "dispatcherID", Reason: "must not be blank"}
	}
	if deliver == nil {
		return 0, &models.ArgumentError{Name: "deliver", Reason: "is required"}
	}

	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.dispatch")
	span.SetAttributes(attribute.String("outbox.dispatcher_id", dispatcherID))
	defer span.End()

	delivered := 0
	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		record, ok, err := o.store.Reserve(ctx, dispatcherID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		span.SetAttributes(
			attribute.String("outbox.record_id", record.ID.String()),
			attribute.Int("outbox.messages", len(record.Messages)),
		)

		deliverCtx, cancel := context.WithTimeout(ctx, o.deliveryTimeout)
		n, err := deliver(deliverCtx, record)
		cancel()
		if err != nil {
			return fmt.Errorf("deliver outbox record %s: %w", record.ID, err)
		}
		if err := o.store.Delete(ctx, record.ID); err != nil {
			return err
		}
		delivered = n
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if delivered > 0 {
		o.logger.Debug(ctx, "outbox_record_dispatched", "outbox record dispatched",
			slog.String("dispatcher_id", dispatcherID),
			slog.Int("messages", delivered),
		)
	}
	return delivered, nil
}

func (o *Outbox) newMessage(ctx context.Context, body any, typ string, destination string, correlationID string) (models.OutboxMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.OutboxMessage{}, &models.ArgumentError{Name: "body", Reason: fmt.Sprintf("cannot encode %s: %v", typ, err)}
	}
	tenantID := tenantx.TenantIDFromContext(ctx)
	if tenantID == "" {
		if scoped, ok := body.(models.TenantScoped); ok {
			tenantID = scoped.EventTenantID()
		}
	}
	return models.OutboxMessage{
		MessageID:   o.newID(),
		Destination: destination,
		Headers: map[string]string{
			models.HeaderTenantID:      tenantID,
			models.HeaderCorrelationID: correlationID,
		},
		Body: models.MessageBody{Type: typ, Payload: payload},
	}, nil
}

func (o *Outbox) correlationID(ctx context.Context) string {
	if id := tenantx.CorrelationIDFromContext(ctx); id != "" {
		return id
	}
	return o.newID().String()
}

func bodyType(v any) string {
	switch t := v.(type) {
	case models.DomainEvent:
		return t.EventType()
	case interface{ CommandType() string }:
		return t.CommandType()
	}
	rt := reflect.TypeOf(v)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.PkgPath() == "" {
		return rt.String()
	}
	return rt.PkgPath()[strings.LastIndex(rt.PkgPath(), "/")+1:] + "." + rt.Name()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
