package models

import (
	"strings"

	"multitenant-template/shared/events"
)

// GroupMember is one (tenant, activity) entry of an activity group. TenantID
// may be the wildcard "*".
type GroupMember struct {
	TenantID     string `json:"tenant_id"`
	ActivityName string `json:"activity_name"`
}

type ActivityGroup struct {
	Name    string        `json:"name"`
	Members []GroupMember `json:"members"`
}

func (g ActivityGroup) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return &ArgumentError{Name: "name", Reason: "activity group name is required"}
	}
	for _, m := range g.Members {
		if strings.TrimSpace(m.TenantID) == "" || strings.TrimSpace(m.ActivityName) == "" {
			return &ArgumentError{Name: "members", Reason: "member tenant and activity are required in group " + g.Name}
		}
	}
	return nil
}

// ActivityGroupsChanged carries the full replicated set of activity groups.
// Publishers send the whole set; consumers replace theirs with it.
type ActivityGroupsChanged struct {
	Groups []ActivityGroup `json:"groups"`
}

func (ActivityGroupsChanged) EventType() string { return events.TypeActivityGroupsChanged }
