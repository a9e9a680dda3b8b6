package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"multitenant-template/api/internal/models"
)

func snapshotWith(grants map[string]GrantEntry, groups map[string][]models.GroupMember) PolicySnapshot {
	return PolicySnapshot{
		Activities: map[string][]string{
			"FooCommand":  nil,
			"BarCommand":  nil,
			"EditInvoice": {"Invoice", "Customer"},
		},
		ActivityGroups: groups,
		Grants:         grants,
	}
}

func TestExplicitGrantIsTenantBound(t *testing.T) {
	now := time.Now()
	p := snapshotWith(map[string]GrantEntry{"T:Activity:FooCommand": {}}, nil)

	require.True(t, p.IsAuthorized("T", "FooCommand", "", now))
	require.False(t, p.IsAuthorized("U", "FooCommand", "", now))
	require.False(t, p.IsAuthorized("T", "BarCommand", "", now))
}

func TestGroupGrantAuthorizesMemberActivities(t *testing.T) {
	now := time.Now()
	p := snapshotWith(
		map[string]GrantEntry{"T:ActivityGroup:operators": {}},
		map[string][]models.GroupMember{
			"operators": {{TenantID: "T", ActivityName: "FooCommand"}},
			"auditors":  {{TenantID: "T", ActivityName: "BarCommand"}},
		},
	)

	require.True(t, p.IsAuthorized("T", "FooCommand", "", now))
	require.False(t, p.IsAuthorized("T", "BarCommand", "", now))
	require.False(t, p.IsAuthorized("U", "FooCommand", "", now))
}

func TestGroupMemberTenantWildcard(t *testing.T) {
	now := time.Now()
	p := snapshotWith(
		map[string]GrantEntry{"U:ActivityGroup:everyone": {}},
		map[string][]models.GroupMember{"everyone": {{TenantID: "*", ActivityName: "FooCommand"}}},
	)

	require.True(t, p.IsAuthorized("U", "FooCommand", "", now))
	require.False(t, p.IsAuthorized("T", "FooCommand", "", now), "group grant itself is bound to U")
}

func TestExpiredGrantNeverAuthorizes(t *testing.T) {
	now := time.Now()
	p := snapshotWith(map[string]GrantEntry{
		"T:Activity:FooCommand":     {ExpiresOn: ptrTime(now.Add(-time.Second))},
		"T:ActivityGroup:operators": {ExpiresOn: ptrTime(now)},
		"T:Activity:BarCommand":     {ExpiresOn: ptrTime(now.Add(time.Minute))},
	}, map[string][]models.GroupMember{"operators": {{TenantID: "T", ActivityName: "FooCommand"}}})

	require.False(t, p.IsAuthorized("T", "FooCommand", "", now))
	require.True(t, p.IsAuthorized("T", "BarCommand", "", now))
	require.False(t, p.IsAuthorized("T", "BarCommand", "", now.Add(2*time.Minute)))
}

func TestWildcardGrants(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		scope  string
		tenant string
		want   bool
	}{
		{"tenant wildcard", "*:Activity:FooCommand", "anything", true},
		{"star qualifier", "T:Activity:*", "T", true},
		{"percent qualifier", "T:Activity:%", "T", true},
		{"star qualifier other tenant", "T:Activity:*", "U", false},
		{"percent tenant is literal", "%:Activity:FooCommand", "T", false},
		{"full wildcard", "*:Activity:*", "Z", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := snapshotWith(map[string]GrantEntry{tc.scope: {}}, nil)
			require.Equal(t, tc.want, p.IsAuthorized(tc.tenant, "FooCommand", "", now))
		})
	}
}

func TestUnknownActivityIsDenied(t *testing.T) {
	p := snapshotWith(map[string]GrantEntry{"*:Activity:*": {}}, nil)
	require.False(t, p.IsAuthorized("T", "NotRegistered", "", time.Now()))
	require.False(t, p.HasGrant("T", "NotRegistered", time.Now()))
}

func TestResourceScopedActivityNeedsEveryResourceType(t *testing.T) {
	now := time.Now()
	grants := map[string]GrantEntry{
		"T:Activity:EditInvoice": {},
		"T:Invoice:inv-1":        {},
	}
	p := snapshotWith(grants, nil)

	require.True(t, p.IsAuthorized("T", "EditInvoice", "", now), "no resource id skips the resource check")
	require.False(t, p.IsAuthorized("T", "EditInvoice", "inv-1", now), "missing Customer grant")

	grants["T:Customer:inv-1"] = GrantEntry{}
	require.True(t, p.IsAuthorized("T", "EditInvoice", "inv-1", now))
	require.False(t, p.IsAuthorized("T", "EditInvoice", "inv-2", now))

	grants["T:Invoice:*"] = GrantEntry{}
	grants["T:Customer:%"] = GrantEntry{}
	require.True(t, p.IsAuthorized("T", "EditInvoice", "inv-2", now))
}

func TestResourceIDIgnoredForUnscopedActivity(t *testing.T) {
	p := snapshotWith(map[string]GrantEntry{"T:Activity:FooCommand": {}}, nil)
	require.True(t, p.IsAuthorized("T", "FooCommand", "r-1", time.Now()))
}

func TestHasGrantSkipsResourceCheck(t *testing.T) {
	now := time.Now()
	p := snapshotWith(map[string]GrantEntry{"T:Activity:EditInvoice": {}}, nil)

	require.True(t, p.HasGrant("T", "EditInvoice", now))
	require.False(t, p.IsAuthorized("T", "EditInvoice", "inv-1", now))
}

func TestHasResourceGrant(t *testing.T) {
	now := time.Now()
	p := snapshotWith(map[string]GrantEntry{
		"T:Invoice:inv-1": {},
		"*:Customer:c-9":  {},
	}, nil)

	require.True(t, p.HasResourceGrant("T", "Invoice", "inv-1", now))
	require.False(t, p.HasResourceGrant("T", "Invoice", "inv-2", now))
	require.False(t, p.HasResourceGrant("U", "Invoice", "inv-1", now))
	require.True(t, p.HasResourceGrant("U", "Customer", "c-9", now))
	require.False(t, p.HasResourceGrant("T", "Invoice", "", now))
}
