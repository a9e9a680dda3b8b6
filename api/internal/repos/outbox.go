package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"multitenant-template/api/internal/models"
)

const DefaultOutboxLease = 5 * time.Second

type OutboxRepo struct {
	pool  *pgxpool.Pool
	lease time.Duration
	now   func() time.Time
}

func NewOutboxRepo(pool *pgxpool.Pool, lease time.Duration) *OutboxRepo {
	if lease <= 0 {
		lease = DefaultOutboxLease
	}
	return &OutboxRepo{pool: pool, lease: lease, now: time.Now}
}

func (r *OutboxRepo) Insert(ctx context.Context, record models.OutboxRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	payload, err := json.Marshal(record.Messages)
	if err != nil {
		return models.NewPersistenceError("encode outbox messages", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO outbox (id, messages)
		VALUES ($1, $2)
	`, record.ID, payload)
	return models.NewPersistenceError("insert outbox record", err)
}

// Reserve leases the oldest record that is unowned, already leased to
// dispatcherID, or whose lease has lapsed. Rows locked by a concurrent
// reservation are skipped, never waited on.
func (r *OutboxRepo) Reserve(ctx context.Context, dispatcherID string) (models.OutboxRecord, bool, error) {
	now := r.now().UTC()
	row := conn(ctx, r.pool).QueryRow(ctx, `
		WITH candidate AS (
			SELECT sid
			FROM outbox
			WHERE dispatcher_id IS NULL
				OR dispatcher_id = $1
				OR dispatcher_timeout IS NULL
				OR dispatcher_timeout <= $2
			ORDER BY sid ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET dispatcher_id = $1, dispatcher_timeout = $3
		FROM candidate c
		WHERE o.sid = c.sid
		RETURNING o.sid, o.id, o.messages, o.dispatcher_id, o.dispatcher_timeout
	`, dispatcherID, now, now.Add(r.lease))

	record, err := scanOutboxRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OutboxRecord{}, false, nil
		}
		return models.OutboxRecord{}, false, models.NewPersistenceError("reserve outbox record", err)
	}
	return record, true, nil
}

func (r *OutboxRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM outbox WHERE id = $1`, id)
	return models.NewPersistenceError("delete outbox record", err)
}

// Pending counts records not currently held by an unexpired lease.
func (r *OutboxRepo) Pending(ctx context.Context) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT count(*)
		FROM outbox
		WHERE dispatcher_timeout IS NULL OR dispatcher_timeout <= $1
	`, r.now().UTC()).Scan(&n)
	return n, models.NewPersistenceError("count pending outbox records", err)
}

func scanOutboxRecord(row pgx.Row) (models.OutboxRecord, error) {
	var (
		record models.OutboxRecord
		raw    []byte
	)
	if err := row.Scan(&record.SID, &record.ID, &raw, &record.DispatcherID, &record.DispatcherTimeout); err != nil {
		return models.OutboxRecord{}, err
	}
	if err := json.Unmarshal(raw, &record.Messages); err != nil {
		return models.OutboxRecord{}, err
	}
	return record, nil
}
