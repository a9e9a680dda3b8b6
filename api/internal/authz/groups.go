package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"multitenant-template/api/internal/models"
	"multitenant-template/api/internal/outbox"
	"multitenant-template/shared/logx"
)

const DefaultSyncLockTTL = 30 * time.Second

type GroupStore interface {
	ReplaceAll(ctx context.Context, groups []models.ActivityGroup) error
}

// Inbox remembers handled message ids. MarkProcessed reports false for a
// message seen before.
type Inbox interface {
	MarkProcessed(ctx context.Context, messageID uuid.UUID, source string) (bool, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type SyncOptions struct {
	Namespace string
	LockTTL   time.Duration
	Source    string
}

// ActivityGroupSync replaces the replicated activity groups and evicts the
// shared groups cache entry.
type ActivityGroupSync struct {
	store  GroupStore
	inbox  Inbox
	tx     outbox.Transactor
	locker Locker
	cache  Cache
	logger logx.Logger
	opts   SyncOptions
}

func NewActivityGroupSync(store GroupStore, inbox Inbox, tx outbox.Transactor, locker Locker, cache Cache, logger logx.Logger, opts SyncOptions) *ActivityGroupSync {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultSyncLockTTL
	}
	return &ActivityGroupSync{
		store:  store,
		inbox:  inbox,
		tx:     tx,
		locker: locker,
		cache:  cache,
		logger: logger,
		opts:   opts,
	}
}

func (s *ActivityGroupSync) Apply(ctx context.Context, groups []models.ActivityGroup) error {
	_, err := s.apply(ctx, uuid.Nil, groups)
	return err
}

// ApplyOnce applies groups unless messageID was already handled. The inbox
// mark and the replacement commit together. It reports whether it applied.
func (s *ActivityGroupSync) ApplyOnce(ctx context.Context, messageID uuid.UUID, groups []models.ActivityGroup) (bool, error) {
	if messageID == uuid.Nil {
		return false, &models.ArgumentError{Name: "messageID", Reason: "is required"}
	}
	return s.apply(ctx, messageID, groups)
}

func (s *ActivityGroupSync) apply(ctx context.Context, messageID uuid.UUID, groups []models.ActivityGroup) (bool, error) {
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return false, err
		}
	}

	applied := false
	replace := func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if messageID != uuid.Nil && s.inbox != nil {
				fresh, err := s.inbox.MarkProcessed(ctx, messageID, s.opts.Source)
				if err != nil {
					return err
				}
				if !fresh {
					return nil
				}
			}
			if err := s.store.ReplaceAll(ctx, groups); err != nil {
				return err
			}
			applied = true
			return nil
		})
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, GroupsKey(s.opts.Namespace)+"/sync-lock", s.opts.LockTTL, replace)
	} else {
		err = replace(ctx)
	}
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Info(ctx, "activity_groups_duplicate", "activity group message already applied",
			slog.String("message_id", messageID.String()),
		)
		return false, nil
	}
	invalidate(ctx, s.cache, s.logger, GroupsKey(s.opts.Namespace))
	s.logger.Info(ctx, "activity_groups_synced", "activity groups replaced",
		slog.Int("groups", len(groups)),
	)
	return true, nil
}
