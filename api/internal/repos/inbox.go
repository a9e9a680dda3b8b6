package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"multitenant-template/api/internal/models"
)

var errBatchUnsupported = errors.New("connection does not support batches")

// InboxRepo remembers consumed message ids so redelivered messages are
// applied once.
type InboxRepo struct {
	pool *pgxpool.Pool
}

func NewInboxRepo(pool *pgxpool.Pool) *InboxRepo {
	return &InboxRepo{pool: pool}
}

// MarkProcessed records messageID and reports whether this is its first delivery.
func (r *InboxRepo) MarkProcessed(ctx context.Context, messageID uuid.UUID, source string) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO processed_message (message_id, source, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, nullIfEmpty(source))
	if err != nil {
		return false, models.NewPersistenceError("mark message processed", err)
	}
	return tag.RowsAffected() == 1, nil
}
