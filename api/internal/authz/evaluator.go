package authz

import (
	"context"
	"strings"
	"time"

	"multitenant-template/shared/metricsx"
)

// Subject is the caller being checked: a user acting inside a tenant.
type Subject struct {
	UserID   string
	TenantID string
}

func (s Subject) valid() bool {
	return strings.TrimSpace(s.UserID) != "" && strings.TrimSpace(s.TenantID) != ""
}

// Evaluator answers authorization queries. A denial is false with a nil
// error; errors mean the policy data could not be loaded.
type Evaluator struct {
	builder *DataBuilder
	now     func() time.Time
}

func NewEvaluator(builder *DataBuilder) *Evaluator {
	return &Evaluator{builder: builder, now: time.Now}
}

func (e *Evaluator) IsAuthorized(ctx context.Context, s Subject, activity string, resourceID string) (bool, error) {
	return e.decide(ctx, "is_authorized", s, func(p PolicySnapshot, now time.Time) bool {
		return p.IsAuthorized(s.TenantID, activity, resourceID, now)
	})
}

func (e *Evaluator) HasGrant(ctx context.Context, s Subject, activity string) (bool, error) {
	return e.decide(ctx, "has_grant", s, func(p PolicySnapshot, now time.Time) bool {
		return p.HasGrant(s.TenantID, activity, now)
	})
}

func (e *Evaluator) HasResourceGrant(ctx context.Context, s Subject, resourceType string, resourceID string) (bool, error) {
	return e.decide(ctx, "has_resource_grant", s, func(p PolicySnapshot, now time.Time) bool {
		return p.HasResourceGrant(s.TenantID, resourceType, resourceID, now)
	})
}

// Capabilities runs HasGrant for each activity against one snapshot.
func (e *Evaluator) Capabilities(ctx context.Context, s Subject, activities ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(activities))
	if !s.valid() {
		for _, a := range activities {
			out[a] = false
		}
		return out, nil
	}
	p, err := e.builder.Build(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for _, a := range activities {
		out[a] = p.HasGrant(s.TenantID, a, now)
	}
	return out, nil
}

func (e *Evaluator) decide(ctx context.Context, query string, s Subject, fn func(PolicySnapshot, time.Time) bool) (bool, error) {
	if !s.valid() {
		metricsx.IncAuthzDecision(query, false)
		return false, nil
	}
	p, err := e.builder.Build(ctx, s.UserID)
	if err != nil {
		return false, err
	}
	ok := fn(p, e.now())
	metricsx.IncAuthzDecision(query, ok)
	return ok, nil
}
