package authz

import (
	"time"

	"multitenant-template/api/internal/models"
)

// GrantEntry is the cached view of one grant, keyed by its scope string.
type GrantEntry struct {
	ExpiresOn *time.Time `json:"expires_on,omitempty"`
}

func (e GrantEntry) activeAt(now time.Time) bool {
	return e.ExpiresOn == nil || e.ExpiresOn.After(now)
}

// PolicySnapshot is everything needed to decide for one user: the activity
// catalog, every activity group, and the user's grants.
type PolicySnapshot struct {
	Activities     map[string][]string
	ActivityGroups map[string][]models.GroupMember
	Grants         map[string]GrantEntry
}

// IsAuthorized reports whether the user may perform activity in tenantID.
// The user needs an explicit or group grant for the activity. When resourceID
// is set and the activity is resource-scoped, the user must also hold a grant
// on resourceID for every resource type the activity declares.
func (p PolicySnapshot) IsAuthorized(tenantID, activity, resourceID string, now time.Time) bool {
	resourceTypes, known := p.Activities[activity]
	if !known {
		return false
	}
	if !p.HasGrant(tenantID, activity, now) {
		return false
	}
	if resourceID == "" {
		return true
	}
	for _, rt := range resourceTypes {
		if !p.HasResourceGrant(tenantID, rt, resourceID, now) {
			return false
		}
	}
	return true
}

// HasGrant reports an explicit or group grant for activity, ignoring resources.
func (p PolicySnapshot) HasGrant(tenantID, activity string, now time.Time) bool {
	if _, known := p.Activities[activity]; !known {
		return false
	}
	if p.holds(tenantID, models.GrantTypeActivity, activity, now) {
		return true
	}
	for group, members := range p.ActivityGroups {
		if !containsActivity(members, tenantID, activity) {
			continue
		}
		if p.holds(tenantID, models.GrantTypeActivityGroup, group, now) {
			return true
		}
	}
	return false
}

func (p PolicySnapshot) HasResourceGrant(tenantID, resourceType, resourceID string, now time.Time) bool {
	return p.holds(tenantID, resourceType, resourceID, now)
}

// holds looks for a live grant covering (tenantID, grantType, qualifier). A
// "*" tenant and a "*" or "%" qualifier match any concrete value.
func (p PolicySnapshot) holds(tenantID, grantType, qualifier string, now time.Time) bool {
	if tenantID == "" || qualifier == "" {
		return false
	}
	for key, entry := range p.Grants {
		if !entry.activeAt(now) {
			continue
		}
		scope, err := models.ParseGrantScope(key)
		if err != nil || scope.GrantType != grantType {
			continue
		}
		if scope.TenantID != tenantID && scope.TenantID != models.WildcardAny {
			continue
		}
		switch scope.Qualifier {
		case qualifier, models.WildcardAny, models.WildcardLike:
			return true
		}
	}
	return false
}

func containsActivity(members []models.GroupMember, tenantID, activity string) bool {
	for _, m := range members {
		if m.ActivityName != activity {
			continue
		}
		if m.TenantID == tenantID || m.TenantID == models.WildcardAny {
			return true
		}
	}
	return false
}
