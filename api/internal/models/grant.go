package models

import (
	"strings"
	"time"

	"multitenant-template/shared/events"
)

const (
	GrantTypeActivity      = "Activity"
	GrantTypeActivityGroup = "ActivityGroup"

	// WildcardAny matches any value in catalog and evaluator lookups.
	WildcardAny = "*"
	// WildcardLike matches any run of characters in repository LIKE queries.
	WildcardLike = "%"
)

// GrantScope identifies what a grant permits. Its string form is
// "{tenantId}:{grantType}:{qualifier}"; the qualifier may itself contain ':'.
type GrantScope struct {
	TenantID  string
	GrantType string
	Qualifier string
}

func NewGrantScope(tenantID, grantType, qualifier string) (GrantScope, error) {
	s := GrantScope{TenantID: tenantID, GrantType: grantType, Qualifier: qualifier}
	if err := s.Validate(); err != nil {
		return GrantScope{}, err
	}
	return s, nil
}

func ActivityScope(tenantID, activityName string) GrantScope {
	return GrantScope{TenantID: tenantID, GrantType: GrantTypeActivity, Qualifier: activityName}
}

func ActivityGroupScope(tenantID, groupName string) GrantScope {
	return GrantScope{TenantID: tenantID, GrantType: GrantTypeActivityGroup, Qualifier: groupName}
}

func (s GrantScope) Validate() error {
	if s.TenantID == "" || s.GrantType == "" || s.Qualifier == "" {
		return NewDomainError("grant scope %q has an empty component", s.String())
	}
	if strings.Contains(s.TenantID, ":") || strings.Contains(s.GrantType, ":") {
		return NewDomainError("grant scope %q: tenant and type must not contain ':'", s.String())
	}
	return nil
}

func (s GrantScope) String() string {
	return s.TenantID + ":" + s.GrantType + ":" + s.Qualifier
}

func ParseGrantScope(raw string) (GrantScope, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return GrantScope{}, &ArgumentError{Name: "scope", Reason: "expected tenant:type:qualifier, got " + raw}
	}
	return NewGrantScope(parts[0], parts[1], parts[2])
}

type GrantKey struct {
	UserID string
	Scope  GrantScope
}

func (k GrantKey) String() string { return k.UserID + ":" + k.Scope.String() }

// Grant binds a user to a scope. A revoked grant is terminal.
type Grant struct {
	EventRecorder

	UserID    string
	FullName  string
	Scope     GrantScope
	ExpiresOn *time.Time
	GrantedBy string
	GrantedOn time.Time
	RevokedBy *string
	RevokedOn *time.Time
}

// NewGrant validates and creates a grant, recording GrantAdded.
func NewGrant(userID, fullName string, scope GrantScope, expiresOn *time.Time, grantedBy string, now time.Time) (*Grant, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, NewDomainError("grant user id is required")
	case strings.TrimSpace(fullName) == "":
		return nil, NewDomainError("grant full name is required")
	case strings.TrimSpace(grantedBy) == "":
		return nil, NewDomainError("grant granted-by is required")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if expiresOn != nil && !expiresOn.After(now) {
		return nil, NewDomainError("grant %s expires in the past (%s)", scope, expiresOn.UTC().Format(time.RFC3339))
	}

	g := &Grant{
		UserID:    userID,
		FullName:  fullName,
		Scope:     scope,
		ExpiresOn: expiresOn,
		GrantedBy: grantedBy,
		GrantedOn: now.UTC(),
	}
	g.Record(GrantAdded{
		UserID:    userID,
		FullName:  fullName,
		TenantID:  scope.TenantID,
		Scope:     scope.String(),
		ExpiresOn: expiresOn,
		GrantedBy: grantedBy,
		GrantedOn: g.GrantedOn,
	})
	return g, nil
}

func (g *Grant) Key() GrantKey { return GrantKey{UserID: g.UserID, Scope: g.Scope} }

// Revoke stamps the revocation. Calling it twice re-stamps.
func (g *Grant) Revoke(revokedBy string, now time.Time) {
	on := now.UTC()
	g.RevokedBy = &revokedBy
	g.RevokedOn = &on
	g.Record(GrantRevoked{
		UserID:    g.UserID,
		TenantID:  g.Scope.TenantID,
		Scope:     g.Scope.String(),
		RevokedBy: revokedBy,
		RevokedOn: on,
	})
}

func (g *Grant) IsExpiredAt(now time.Time) bool {
	return g.ExpiresOn != nil && !g.ExpiresOn.After(now)
}

func (g *Grant) IsExpired() bool { return g.IsExpiredAt(time.Now()) }

func (g *Grant) IsRevoked() bool { return g.RevokedOn != nil }

func (g *Grant) IsActiveAt(now time.Time) bool {
	return !g.IsExpiredAt(now) && !g.IsRevoked()
}

func (g *Grant) IsActive() bool { return g.IsActiveAt(time.Now()) }

type GrantAdded struct {
	UserID    string     `json:"user_id"`
	FullName  string     `json:"full_name"`
	TenantID  string     `json:"tenant_id"`
	Scope     string     `json:"scope"`
	ExpiresOn *time.Time `json:"expires_on,omitempty"`
	GrantedBy string     `json:"granted_by"`
	GrantedOn time.Time  `json:"granted_on"`
}

func (GrantAdded) EventType() string { return events.TypeGrantAdded }

func (e GrantAdded) EventTenantID() string { return e.TenantID }

type GrantRevoked struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Scope     string    `json:"scope"`
	RevokedBy string    `json:"revoked_by"`
	RevokedOn time.Time `json:"revoked_on"`
}

func (GrantRevoked) EventType() string { return events.TypeGrantRevoked }

func (e GrantRevoked) EventTenantID() string { return e.TenantID }
