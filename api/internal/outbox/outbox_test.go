package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/tenantx"
)

// memStore mirrors the reservation rules of the SQL repository.
type memStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]models.OutboxRecord
	nextSID   int64
	lease     time.Duration
	now       func() time.Time
	inserts   int
	insertErr error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{
		records: map[uuid.UUID]models.OutboxRecord{},
		lease:   5 * time.Second,
		now:     time.Now,
	}
}

func (s *memStore) Insert(_ context.Context, record models.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts++
	s.nextSID++
	record.SID = s.nextSID
	s.records[record.ID] = record
	return nil
}

func (s *memStore) Reserve(_ context.Context, dispatcherID string) (models.OutboxRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var eligible []models.OutboxRecord
	for _, r := range s.records {
		if r.DispatcherID == nil || *r.DispatcherID == dispatcherID || r.DispatcherTimeout == nil || !r.DispatcherTimeout.After(now) {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return models.OutboxRecord{}, false, nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].SID < eligible[j].SID })
	r := eligible[0]
	id := dispatcherID
	until := now.Add(s.lease)
	r.DispatcherID = &id
	r.DispatcherTimeout = &until
	s.records[r.ID] = r
	return r, true, nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) snapshot() map[uuid.UUID]models.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]models.OutboxRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *memStore) restore(records map[uuid.UUID]models.OutboxRecord) {
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// rollbackTx restores the store snapshot when fn fails, like a database rollback.
type rollbackTx struct {
	store *memStore
	calls int
}

func (t *rollbackTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	before := t.store.snapshot()
	if err := fn(ctx); err != nil {
		t.store.restore(before)
		return err
	}
	return nil
}

type aggregate struct {
	models.EventRecorder
}

type sampleEvent struct {
	Name string `json:"name"`
}

func (sampleEvent) EventType() string { return "sample.happened" }

type provisionTenant struct {
	TenantID string `json:"tenant_id"`
}

func (provisionTenant) CommandType() string { return "tenants.provision" }

func testLogger() logx.Logger { return logx.New("outbox-test", "test", "", "error") }

func newTestOutbox() (*Outbox, *memStore, *rollbackTx) {
	store := newMemStore()
	tx := &rollbackTx{store: store}
	return New(store, tx, testLogger(), Options{DeliveryTimeout: time.Second}), store, tx
}

func TestSaveEventsWithoutEventsDoesNothing(t *testing.T) {
	o, store, _ := newTestOutbox()

	n, err := o.SaveEvents(context.Background(), &aggregate{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, store.inserts)
}

func TestSaveEventsWritesOneRecordAndClearsEvents(t *testing.T) {
	o, store, _ := newTestOutbox()
	agg := &aggregate{}
	agg.Record(sampleEvent{Name: "a"}, sampleEvent{Name: "b"})

	ctx := tenantx.WithTenant(context.Background(), tenantx.TenantContext{ID: "tenant-1"})
	ctx = tenantx.WithCorrelationID(ctx, "corr-1")
	n, err := o.SaveEvents(ctx, agg)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, store.inserts)
	require.Empty(t, agg.PendingEvents())

	var record models.OutboxRecord
	for _, r := range store.snapshot() {
		record = r
	}
	require.Len(t, record.Messages, 2)
	seen := map[uuid.UUID]bool{}
	for _, msg := range record.Messages {
		require.True(t, msg.IsPublish())
		require.Equal(t, "tenant-1", msg.Headers[models.HeaderTenantID])
		require.Equal(t, "corr-1", msg.Headers[models.HeaderCorrelationID])
		require.Equal(t, "sample.happened", msg.Body.Type)
		require.False(t, seen[msg.MessageID], "message ids must be unique")
		seen[msg.MessageID] = true
	}
	require.JSONEq(t, `{"name":"a"}`, string(record.Messages[0].Body.Payload))
}

func TestSaveEventsUsesEventTenantWhenContextHasNone(t *testing.T) {
	o, store, _ := newTestOutbox()
	future := time.Now().Add(time.Hour)
	g, err := models.NewGrant("u1", "Jane", models.ActivityScope("T", "FooCommand"), &future, "admin", time.Now())
	require.NoError(t, err)

	_, err = o.SaveEvents(context.Background(), g)
	require.NoError(t, err)
	for _, r := range store.snapshot() {
		require.Equal(t, "T", r.Messages[0].Headers[models.HeaderTenantID])
		require.NotEmpty(t, r.Messages[0].Headers[models.HeaderCorrelationID])
	}
}

func TestSaveEventsKeepsEventsWhenInsertFails(t *testing.T) {
	o, store, _ := newTestOutbox()
	store.insertErr = models.NewPersistenceError("insert outbox record", errors.New("db down"))
	agg := &aggregate{}
	agg.Record(sampleEvent{Name: "a"})

	_, err := o.SaveEvents(context.Background(), agg)
	require.ErrorIs(t, err, models.ErrPersistence)
	require.Len(t, agg.PendingEvents(), 1)
}

func TestSaveCommandValidatesArguments(t *testing.T) {
	o, store, _ := newTestOutbox()
	ctx := context.Background()

	require.ErrorIs(t, o.SaveCommand(ctx, nil, "billing"), models.ErrInvalidArgument)
	var missing *provisionTenant
	require.ErrorIs(t, o.SaveCommand(ctx, missing, "billing"), models.ErrInvalidArgument)
	require.ErrorIs(t, o.SaveCommand(ctx, provisionTenant{TenantID: "t"}, "  "), models.ErrInvalidArgument)
	require.Zero(t, store.inserts)
}

func TestSaveCommandStagesPointToPointMessage(t *testing.T) {
	o, store, _ := newTestOutbox()

	require.NoError(t, o.SaveCommand(context.Background(), provisionTenant{TenantID: "t-9"}, "tenants.commands"))
	require.Equal(t, 1, store.inserts)
	for _, r := range store.snapshot() {
		require.Len(t, r.Messages, 1)
		msg := r.Messages[0]
		require.False(t, msg.IsPublish())
		require.Equal(t, "tenants.commands", msg.Destination)
		require.Equal(t, "tenants.provision", msg.Body.Type)
	}
}

func TestBodyTypeFallsBackToTypeName(t *testing.T) {
	type plain struct{ A int }
	require.Equal(t, "outbox.plain", bodyType(&plain{}))
	require.Equal(t, "map[string]int", bodyType(map[string]int{}))
}

func TestDispatchEventsWithNothingPending(t *testing.T) {
	o, _, _ := newTestOutbox()
	called := false

	n, err := o.DispatchEvents(context.Background(), "d1", func(context.Context, models.OutboxRecord) (int, error) {
		called = true
		return 0, nil
	})
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, called)
}

func TestDispatchEventsDeliversAndDeletes(t *testing.T) {
	o, store, tx := newTestOutbox()
	_, err := o.SaveMessages(context.Background(), models.OutboxMessage{MessageID: uuid.New()}, models.OutboxMessage{MessageID: uuid.New()})
	require.NoError(t, err)

	var got models.OutboxRecord
	n, err := o.DispatchEvents(context.Background(), "d1", func(_ context.Context, r models.OutboxRecord) (int, error) {
		got = r
		return len(r.Messages), nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Zero(t, store.len())
	require.Equal(t, 1, tx.calls)
	require.NotNil(t, got.DispatcherID)
	require.Equal(t, "d1", *got.DispatcherID)
}

func TestDispatchEventsIsFIFO(t *testing.T) {
	o, _, _ := newTestOutbox()
	first, second := uuid.New(), uuid.New()
	_, err := o.SaveMessages(context.Background(), models.OutboxMessage{MessageID: first})
	require.NoError(t, err)
	_, err = o.SaveMessages(context.Background(), models.OutboxMessage{MessageID: second})
	require.NoError(t, err)

	var order []uuid.UUID
	deliver := func(_ context.Context, r models.OutboxRecord) (int, error) {
		order = append(order, r.Messages[0].MessageID)
		return 1, nil
	}
	for i := 0; i < 2; i++ {
		_, err := o.DispatchEvents(context.Background(), "d1", deliver)
		require.NoError(t, err)
	}
	require.Equal(t, []uuid.UUID{first, second}, order)
}

func TestDispatchEventsPropagatesDeliveryFailure(t *testing.T) {
	o, store, _ := newTestOutbox()
	_, err := o.SaveMessages(context.Background(), models.OutboxMessage{MessageID: uuid.New()})
	require.NoError(t, err)
	boom := errors.New("broker unavailable")

	n, err := o.DispatchEvents(context.Background(), "d1", func(context.Context, models.OutboxRecord) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, n)
	require.Equal(t, 1, store.len())
}

func TestDispatchEventsRedeliversWhenDeleteFails(t *testing.T) {
	o, store, _ := newTestOutbox()
	msgID := uuid.New()
	_, err := o.SaveMessages(context.Background(), models.OutboxMessage{MessageID: msgID})
	require.NoError(t, err)

	var deliveries []uuid.UUID
	deliver := func(_ context.Context, r models.OutboxRecord) (int, error) {
		deliveries = append(deliveries, r.Messages[0].MessageID)
		return 1, nil
	}

	store.deleteErr = errors.New("connection reset")
	_, err = o.DispatchEvents(context.Background(), "d1", deliver)
	require.Error(t, err)
	require.Equal(t, 1, store.len())

	store.deleteErr = nil
	n, err := o.DispatchEvents(context.Background(), "d2", deliver)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uuid.UUID{msgID, msgID}, deliveries)
	require.Zero(t, store.len())
}

func TestDispatchEventsBoundsDelivery(t *testing.T) {
	store := newMemStore()
	o := New(store, &rollbackTx{store: store}, testLogger(), Options{DeliveryTimeout: 20 * time.Millisecond})
	_, err := o.SaveMessages(context.Background(), models.OutboxMessage{MessageID: uuid.New()})
	require.NoError(t, err)

	_, err = o.DispatchEvents(context.Background(), "d1", func(ctx context.Context, _ models.OutboxRecord) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, store.len())
}

func TestDispatchEventsValidatesArguments(t *testing.T) {
	o, _, _ := newTestOutbox()
	_, err := o.DispatchEvents(context.Background(), " ", func(context.Context, models.OutboxRecord) (int, error) { return 0, nil })
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = o.DispatchEvents(context.Background(), "d1", nil)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}
