package authz

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"multitenant-template/api/internal/models"
	"multitenant-template/api/internal/outbox"
	"multitenant-template/shared/cachex"
	"multitenant-template/shared/lockx"
	"multitenant-template/shared/logx"
)

const testNamespace = "test"

func testLogger() logx.Logger { return logx.New("authz-test", "test", "", "error") }

type memGrantStore struct {
	mu       sync.Mutex
	grants   map[string]*models.Grant
	history  []*models.Grant
	readAlls int
}

func newMemGrantStore(grants ...*models.Grant) *memGrantStore {
	s := &memGrantStore{grants: map[string]*models.Grant{}}
	for _, g := range grants {
		g.ClearEvents()
		s.grants[g.Key().String()] = g
	}
	return s
}

func (s *memGrantStore) Save(_ context.Context, g *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.Key().String()]; ok {
		return &models.AlreadyExistsError{Key: "grant " + g.Key().String()}
	}
	s.grants[g.Key().String()] = g
	return nil
}

func (s *memGrantStore) Read(_ context.Context, key models.GrantKey) (*models.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key.String()]
	if !ok {
		return nil, models.ErrNotFound
	}
	return g, nil
}

func (s *memGrantStore) Delete(_ context.Context, g *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.IsActive() {
		return models.NewDomainError("grant %s is still active", g.Key())
	}
	if _, ok := s.grants[g.Key().String()]; !ok {
		return models.ErrNotFound
	}
	delete(s.grants, g.Key().String())
	s.history = append(s.history, g)
	return nil
}

func (s *memGrantStore) ReadAll(_ context.Context, userID string) ([]*models.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAlls++
	var out []*models.Grant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

type memGroupStore struct {
	mu       sync.Mutex
	groups   []models.ActivityGroup
	readAlls int
	replaces int
}

func (s *memGroupStore) ReadAll(context.Context) ([]models.ActivityGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAlls++
	return append([]models.ActivityGroup(nil), s.groups...), nil
}

func (s *memGroupStore) ReplaceAll(_ context.Context, groups []models.ActivityGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaces++
	s.groups = append([]models.ActivityGroup(nil), groups...)
	return nil
}

type memInbox struct {
	seen map[uuid.UUID]bool
}

func (i *memInbox) MarkProcessed(_ context.Context, messageID uuid.UUID, _ string) (bool, error) {
	if i.seen == nil {
		i.seen = map[uuid.UUID]bool{}
	}
	if i.seen[messageID] {
		return false, nil
	}
	i.seen[messageID] = true
	return true, nil
}

type passTx struct{ calls int }

func (t *passTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

type recordingStager struct {
	staged []models.DomainEvent
	err    error
}

func (s *recordingStager) SaveEvents(_ context.Context, aggregate outbox.EventSource) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	pending := aggregate.PendingEvents()
	s.staged = append(s.staged, pending...)
	aggregate.ClearEvents()
	return len(pending), nil
}

type fixture struct {
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	cache     *cachex.Client
	grants    *memGrantStore
	groups    *memGroupStore
	builder   *DataBuilder
	evaluator *Evaluator
}

func newFixture(t *testing.T, catalog *Catalog, grants ...*models.Grant) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		mr:     mr,
		rdb:    rdb,
		cache:  cachex.Wrap(rdb),
		grants: newMemGrantStore(grants...),
		groups: &memGroupStore{},
	}
	f.builder = NewDataBuilder(catalog, f.grants, f.groups, f.cache, testLogger(), BuilderOptions{
		Namespace:    testNamespace,
		GrantsTTL:    15 * time.Minute,
		GrantsMaxAge: time.Hour,
		GroupsTTL:    time.Hour,
	})
	f.evaluator = NewEvaluator(f.builder)
	return f
}

func (f *fixture) locker() *lockx.Locker { return lockx.New(f.rdb) }

func mustGrant(t *testing.T, userID string, scope models.GrantScope, expiresOn *time.Time) *models.Grant {
	t.Helper()
	g, err := models.NewGrant(userID, "User "+userID, scope, expiresOn, "admin", time.Now())
	if err != nil {
		t.Fatalf("new grant: %v", err)
	}
	return g
}

func ptrTime(t time.Time) *time.Time { return &t }

// racingSource runs during between reading the rows and returning them,
// the way a mutation can commit while a rebuild is in flight.
type racingSource struct {
	inner  GrantSource
	during func()
}

func (r *racingSource) ReadAll(ctx context.Context, userID string) ([]*models.Grant, error) {
	rows, err := r.inner.ReadAll(ctx, userID)
	if r.during != nil {
		during := r.during
		r.during = nil
		during()
	}
	return rows, err
}
