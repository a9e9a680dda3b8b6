package repos

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/dbx"
)

type ActivityGroupRepo struct {
	pool *pgxpool.Pool
	tx   *dbx.TxManager
}

func NewActivityGroupRepo(pool *pgxpool.Pool) *ActivityGroupRepo {
	return &ActivityGroupRepo{pool: pool, tx: dbx.NewTxManager(pool, pgx.ReadCommitted)}
}

func (r *ActivityGroupRepo) ReadAll(ctx context.Context) ([]models.ActivityGroup, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT group_name, tenant_id, activity_name
		FROM activity_group
		ORDER BY group_name, tenant_id, activity_name
	`)
	if err != nil {
		return nil, models.NewPersistenceError("read activity groups", err)
	}
	defer rows.Close()

	var groups []models.ActivityGroup
	for rows.Next() {
		var name string
		var m models.GroupMember
		if err := rows.Scan(&name, &m.TenantID, &m.ActivityName); err != nil {
			return nil, models.NewPersistenceError("scan activity group", err)
		}
		if n := len(groups); n == 0 || groups[n-1].Name != name {
			groups = append(groups, models.ActivityGroup{Name: name})
		}
		last := &groups[len(groups)-1]
		last.Members = append(last.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError("read activity groups", err)
	}
	return groups, nil
}

// ReplaceAll swaps the whole group table for groups in one transaction.
func (r *ActivityGroupRepo) ReplaceAll(ctx context.Context, groups []models.ActivityGroup) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := conn(ctx, r.pool)
		if _, err := db.Exec(ctx, `DELETE FROM activity_group`); err != nil {
			return models.NewPersistenceError("clear activity groups", err)
		}

		batch := &pgx.Batch{}
		for _, g := range groups {
			for _, m := range g.Members {
				batch.Queue(`
					INSERT INTO activity_group (group_name, tenant_id, activity_name)
					VALUES ($1, $2, $3)
					ON CONFLICT DO NOTHING
				`, g.Name, m.TenantID, m.ActivityName)
			}
		}
		if batch.Len() == 0 {
			return nil
		}

		b, ok := db.(batcher)
		if !ok {
			return models.NewPersistenceError("insert activity groups", errBatchUnsupported)
		}
		br := b.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return models.NewPersistenceError("insert activity group member", err)
			}
		}
		return nil
	})
}
