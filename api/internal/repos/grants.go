package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/dbx"
)

const grantColumns = `user_id, full_name, tenant_id, grant_type, qualifier, expires_on, granted_by, granted_on`

type GrantRepo struct {
	pool *pgxpool.Pool
	tx   *dbx.TxManager
	now  func() time.Time
}

func NewGrantRepo(pool *pgxpool.Pool) *GrantRepo {
	return &GrantRepo{pool: pool, tx: dbx.NewTxManager(pool, pgx.ReadCommitted), now: time.Now}
}

// Save persists a new live grant. Dead grants cannot be saved.
func (r *GrantRepo) Save(ctx context.Context, g *models.Grant) error {
	now := r.now()
	if g.IsRevoked() {
		return models.NewDomainError("grant %s is revoked", g.Key())
	}
	if g.IsExpiredAt(now) {
		return models.NewDomainError("grant %s is expired", g.Key())
	}

	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO "grant" (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.UserID, g.FullName, g.Scope.TenantID, g.Scope.GrantType, g.Scope.Qualifier, g.ExpiresOn, g.GrantedBy, g.GrantedOn)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return &models.AlreadyExistsError{Key: "grant " + g.Key().String()}
		}
		return models.NewPersistenceError("insert grant", err)
	}
	return nil
}

func (r *GrantRepo) Read(ctx context.Context, key models.GrantKey) (*models.Grant, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM "grant"
		WHERE user_id = $1 AND tenant_id = $2 AND grant_type = $3 AND qualifier = $4
	`, key.UserID, key.Scope.TenantID, key.Scope.GrantType, key.Scope.Qualifier)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewPersistenceError("read grant", err)
	}
	return g, nil
}

// Delete archives a revoked or expired grant into grant_history and removes
// the live row.
func (r *GrantRepo) Delete(ctx context.Context, g *models.Grant) error {
	now := r.now()
	if g.IsActiveAt(now) {
		return models.NewDomainError("grant %s is still active; revoke it first", g.Key())
	}

	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := conn(ctx, r.pool)
		if _, err := db.Exec(ctx, `
			INSERT INTO grant_history (
				user_id, full_name, tenant_id, grant_type, qualifier,
				expires_on, granted_by, granted_on, revoked_by, revoked_on, archived_on
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, g.UserID, g.FullName, g.Scope.TenantID, g.Scope.GrantType, g.Scope.Qualifier,
			g.ExpiresOn, g.GrantedBy, g.GrantedOn, g.RevokedBy, g.RevokedOn, now.UTC()); err != nil {
			return models.NewPersistenceError("archive grant", err)
		}
		tag, err := db.Exec(ctx, `
			DELETE FROM "grant"
			WHERE user_id = $1 AND tenant_id = $2 AND grant_type = $3 AND qualifier = $4
		`, g.UserID, g.Scope.TenantID, g.Scope.GrantType, g.Scope.Qualifier)
		if err != nil {
			return models.NewPersistenceError("delete grant", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}

// Matching returns grants whose scope components match filter under SQL LIKE
// rules ('%' wildcard), optionally restricted to one user.
func (r *GrantRepo) Matching(ctx context.Context, filter models.GrantScope, userID *string) ([]*models.Grant, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+grantColumns+`
		FROM "grant"
		WHERE tenant_id LIKE $1 AND grant_type LIKE $2 AND qualifier LIKE $3
			AND ($4::text IS NULL OR user_id = $4)
		ORDER BY user_id, tenant_id, grant_type, qualifier
	`, likeOrAny(filter.TenantID), likeOrAny(filter.GrantType), likeOrAny(filter.Qualifier), userID)
	if err != nil {
		return nil, models.NewPersistenceError("match grants", err)
	}
	return collectGrants(rows)
}

func (r *GrantRepo) ReadAll(ctx context.Context, userID string) ([]*models.Grant, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+grantColumns+`
		FROM "grant"
		WHERE user_id = $1
		ORDER BY tenant_id, grant_type, qualifier
	`, userID)
	if err != nil {
		return nil, models.NewPersistenceError("read user grants", err)
	}
	return collectGrants(rows)
}

type GrantHistoryEntry struct {
	UserID     string
	FullName   string
	Scope      models.GrantScope
	ExpiresOn  *time.Time
	GrantedBy  string
	GrantedOn  time.Time
	RevokedBy  *string
	RevokedOn  *time.Time
	ArchivedOn time.Time
}

// History lists userID's archived grants in tenantID; "*" lists every tenant.
func (r *GrantRepo) History(ctx context.Context, userID string, tenantID string) ([]GrantHistoryEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT user_id, full_name, tenant_id, grant_type, qualifier,
			expires_on, granted_by, granted_on, revoked_by, revoked_on, archived_on
		FROM grant_history
		WHERE user_id = $1 AND ($2::text = '*' OR tenant_id = $2)
		ORDER BY archived_on ASC, id ASC
	`, userID, tenantID)
	if err != nil {
		return nil, models.NewPersistenceError("read grant history", err)
	}
	defer rows.Close()

	var out []GrantHistoryEntry
	for rows.Next() {
		var e GrantHistoryEntry
		if err := rows.Scan(&e.UserID, &e.FullName, &e.Scope.TenantID, &e.Scope.GrantType, &e.Scope.Qualifier,
			&e.ExpiresOn, &e.GrantedBy, &e.GrantedOn, &e.RevokedBy, &e.RevokedOn, &e.ArchivedOn); err != nil {
			return nil, models.NewPersistenceError("scan grant history", err)
		}
		out = append(out, e)
	}
	return out, models.NewPersistenceError("read grant history", rows.Err())
}

func scanGrant(row pgx.Row) (*models.Grant, error) {
	g := &models.Grant{}
	if err := row.Scan(&g.UserID, &g.FullName, &g.Scope.TenantID, &g.Scope.GrantType, &g.Scope.Qualifier,
		&g.ExpiresOn, &g.GrantedBy, &g.GrantedOn); err != nil {
		return nil, err
	}
	return g, nil
}

func collectGrants(rows pgx.Rows) ([]*models.Grant, error) {
	defer rows.Close()
	var out []*models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, models.NewPersistenceError("scan grant", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPersistenceError("read grants", err)
	}
	return out, nil
}

func likeOrAny(pattern string) string {
	if pattern == "" {
		return models.WildcardLike
	}
	return pattern
}
