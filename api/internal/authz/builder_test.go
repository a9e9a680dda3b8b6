package authz

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"multitenant-template/api/internal/models"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		Activity{Name: "FooCommand"},
		Activity{Name: "BarCommand"},
		Activity{Name: "EditInvoice", ResourceTypes: []string{"Invoice"}},
	)
	require.NoError(t, err)
	return c
}

func TestBuildPopulatesCacheOnMiss(t *testing.T) {
	f := newFixture(t, testCatalog(t), mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil))
	f.groups.groups = []models.ActivityGroup{{Name: "ops", Members: []models.GroupMember{{TenantID: "T", ActivityName: "BarCommand"}}}}
	ctx := context.Background()

	p, err := f.builder.Build(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, p.Grants, "T:Activity:FooCommand")
	require.Len(t, p.ActivityGroups["ops"], 1)
	require.Len(t, p.Activities, 3)

	require.True(t, f.mr.Exists("test/authorization/u1/grants"))
	require.True(t, f.mr.Exists("test/authorization/activity-groups"))

	_, err = f.builder.Build(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, f.grants.readAlls)
	require.Equal(t, 1, f.groups.readAlls)
}

func TestBuildCacheEntriesAreJSONMaps(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f := newFixture(t, testCatalog(t), mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), &expires))
	f.groups.groups = []models.ActivityGroup{{Name: "ops", Members: []models.GroupMember{{TenantID: "T", ActivityName: "BarCommand"}}}}

	_, err := f.builder.Build(context.Background(), "u1")
	require.NoError(t, err)

	raw, err := f.mr.Get("test/authorization/u1/grants")
	require.NoError(t, err)
	var grants map[string]GrantEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &grants))
	require.NotNil(t, grants["T:Activity:FooCommand"].ExpiresOn)
	require.True(t, expires.Equal(*grants["T:Activity:FooCommand"].ExpiresOn))

	raw, err = f.mr.Get("test/authorization/activity-groups")
	require.NoError(t, err)
	require.JSONEq(t, `{"ops":[{"tenant_id":"T","activity_name":"BarCommand"}]}`, raw)
}

func TestBuildDropsExpiredGrants(t *testing.T) {
	live := mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil)
	expired := &models.Grant{
		UserID:    "u1",
		FullName:  "User u1",
		Scope:     models.ActivityScope("T", "BarCommand"),
		ExpiresOn: ptrTime(time.Now().Add(-time.Minute)),
		GrantedBy: "admin",
	}
	f := newFixture(t, testCatalog(t), live, expired)

	p, err := f.builder.Build(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, p.Grants, 1)
	require.NotContains(t, p.Grants, "T:Activity:BarCommand")
}

func TestBuildRebuildsCorruptEntry(t *testing.T) {
	f := newFixture(t, testCatalog(t), mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil))
	require.NoError(t, f.mr.Set("test/authorization/u1/grants", "not json"))

	p, err := f.builder.Build(context.Background(), "u1")
	require.NoError(t, err)
	require.Contains(t, p.Grants, "T:Activity:FooCommand")
	require.Equal(t, 1, f.grants.readAlls)

	raw, err := f.mr.Get("test/authorization/u1/grants")
	require.NoError(t, err)
	require.Contains(t, raw, "T:Activity:FooCommand")
}

func TestBuildSurvivesCacheOutage(t *testing.T) {
	f := newFixture(t, testCatalog(t), mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil))
	f.mr.Close()

	ok, err := f.evaluator.IsAuthorized(context.Background(), Subject{UserID: "u1", TenantID: "T"}, "FooCommand", "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildWithoutCache(t *testing.T) {
	grants := newMemGrantStore(mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil))
	b := NewDataBuilder(testCatalog(t), grants, &memGroupStore{}, nil, testLogger(), BuilderOptions{Namespace: testNamespace})

	p, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	require.Contains(t, p.Grants, "T:Activity:FooCommand")
}

func TestGrantsEntrySlidesGroupsEntryDoesNot(t *testing.T) {
	f := newFixture(t, testCatalog(t), mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil))
	ctx := context.Background()
	_, err := f.builder.Build(ctx, "u1")
	require.NoError(t, err)

	f.mr.FastForward(10 * time.Minute)
	_, err = f.builder.Build(ctx, "u1")
	require.NoError(t, err)

	require.Equal(t, 15*time.Minute, f.mr.TTL("test/authorization/u1/grants"))
	require.Equal(t, 50*time.Minute, f.mr.TTL("test/authorization/activity-groups"))
}

func TestGrantsEntryRebuildsAfterMaxAge(t *testing.T) {
	f := newFixture(t, testCatalog(t), mustGrant(t, "u1", models.ActivityScope("T", "FooCommand"), nil))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := f.builder.Build(ctx, "u1")
		require.NoError(t, err)
		f.mr.FastForward(10 * time.Minute)
	}
	require.Equal(t, 1, f.grants.readAlls, "hits inside the maximum age slide the entry")

	f.mr.FastForward(time.Minute)
	_, err := f.builder.Build(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, f.grants.readAlls)
}

func TestUnstampedGrantsEntryIsAMiss(t *testing.T) {
	f := newFixture(t, testCatalog(t))
	require.NoError(t, f.mr.Set("test/authorization/u1/grants", `{"T:Activity:FooCommand":{}}`))

	p, err := f.builder.Build(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, p.Grants)
	require.Equal(t, 1, f.grants.readAlls)
}
