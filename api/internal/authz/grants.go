package authz

import (
	"context"
	"strings"
	"time"

	"multitenant-template/api/internal/models"
	"multitenant-template/api/internal/outbox"
	"multitenant-template/shared/logx"
)

type GrantStore interface {
	Save(ctx context.Context, g *models.Grant) error
	Read(ctx context.Context, key models.GrantKey) (*models.Grant, error)
	Delete(ctx context.Context, g *models.Grant) error
	ReadAll(ctx context.Context, userID string) ([]*models.Grant, error)
}

// EventStager stages an aggregate's pending events in the outbox.
type EventStager interface {
	SaveEvents(ctx context.Context, aggregate outbox.EventSource) (int, error)
}

type AddGrantInput struct {
	UserID    string
	FullName  string
	Scope     models.GrantScope
	ExpiresOn *time.Time
	GrantedBy string
}

// GrantService mutates grants. Each call commits the grant rows and their
// outbox events together, then evicts the user's cached grants.
type GrantService struct {
	store     GrantStore
	events    EventStager
	tx        outbox.Transactor
	cache     Cache
	namespace string
	logger    logx.Logger
	now       func() time.Time
}

func NewGrantService(store GrantStore, events EventStager, tx outbox.Transactor, cache Cache, namespace string, logger logx.Logger) *GrantService {
	return &GrantService{
		store:     store,
		events:    events,
		tx:        tx,
		cache:     cache,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *GrantService) AddGrant(ctx context.Context, in AddGrantInput) (*models.Grant, error) {
	g, err := models.NewGrant(in.UserID, in.FullName, in.Scope, in.ExpiresOn, in.GrantedBy, s.now())
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Save(ctx, g); err != nil {
			return err
		}
		_, err := s.events.SaveEvents(ctx, g)
		return err
	})
	if err != nil {
		return nil, err
	}
	invalidate(ctx, s.cache, s.logger, GrantsKey(s.namespace, g.UserID))
	return g, nil
}

// RevokeGrant revokes the grant at key and moves it to history.
func (s *GrantService) RevokeGrant(ctx context.Context, key models.GrantKey, revokedBy string) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		g, err := s.store.Read(ctx, key)
		if err != nil {
			return err
		}
		return s.revoke(ctx, g, revokedBy)
	})
	if err != nil {
		return err
	}
	invalidate(ctx, s.cache, s.logger, GrantsKey(s.namespace, key.UserID))
	return nil
}

// RevokeAllGrants revokes every grant userID holds in tenantID and returns
// how many. Only the "*" tenant reaches grants in every tenant.
func (s *GrantService) RevokeAllGrants(ctx context.Context, userID string, tenantID string, revokedBy string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, &models.ArgumentError{Name: "tenantID", Reason: "is required"}
	}
	revoked := 0
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		grants, err := s.store.ReadAll(ctx, userID)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if tenantID != models.WildcardAny && g.Scope.TenantID != tenantID {
				continue
			}
			if err := s.revoke(ctx, g, revokedBy); err != nil {
				return err
			}
			revoked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	invalidate(ctx, s.cache, s.logger, GrantsKey(s.namespace, userID))
	return revoked, nil
}

func (s *GrantService) revoke(ctx context.Context, g *models.Grant, revokedBy string) error {
	g.Revoke(revokedBy, s.now())
	if err := s.store.Delete(ctx, g); err != nil {
		return err
	}
	_, err := s.events.SaveEvents(ctx, g)
	return err
}
