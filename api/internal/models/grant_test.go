package models

import (
	"errors"
	"testing"
	"time"
)

func TestGrantScopeRoundTrip(t *testing.T) {
	cases := []GrantScope{
		{TenantID: "tenant", GrantType: "Activity", Qualifier: "FooCommand"},
		{TenantID: "*", GrantType: "ActivityGroup", Qualifier: "Admins"},
		{TenantID: "t-1", GrantType: "Document", Qualifier: "urn:doc:42"},
		{TenantID: "%", GrantType: "%", Qualifier: "%"},
	}
	for _, scope := range cases {
		parsed, err := ParseGrantScope(scope.String())
		if err != nil {
			t.Fatalf("parse %q: %v", scope.String(), err)
		}
		if parsed != scope {
			t.Fatalf("round trip mismatch: %#v != %#v", parsed, scope)
		}
	}
}

func TestParseGrantScopeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "tenant", "tenant:Activity", "tenant::Foo", ":Activity:Foo"} {
		if _, err := ParseGrantScope(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNewGrantValidation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	scope := ActivityScope("T", "FooCommand")
	past := now.Add(-time.Minute)

	cases := []struct {
		name      string
		userID    string
		fullName  string
		grantedBy string
		scope     GrantScope
		expiresOn *time.Time
	}{
		{"missing user", "", "Jane", "admin", scope, nil},
		{"missing name", "u1", " ", "admin", scope, nil},
		{"missing granted by", "u1", "Jane", "", scope, nil},
		{"empty scope", "u1", "Jane", "admin", GrantScope{TenantID: "T"}, nil},
		{"past expiry", "u1", "Jane", "admin", scope, &past},
		{"expiry equal to now", "u1", "Jane", "admin", scope, &now},
	}
	for _, tc := range cases {
		_, err := NewGrant(tc.userID, tc.fullName, tc.scope, tc.expiresOn, tc.grantedBy, now)
		if !errors.Is(err, ErrDomain) {
			t.Fatalf("%s: expected domain error, got %v", tc.name, err)
		}
	}
}

func TestNewGrantRecordsEvent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	g, err := NewGrant("u1", "Jane Doe", ActivityScope("T", "FooCommand"), &future, "admin", now)
	if err != nil {
		t.Fatalf("new grant: %v", err)
	}
	events := g.PendingEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	added, ok := events[0].(GrantAdded)
	if !ok {
		t.Fatalf("expected GrantAdded, got %T", events[0])
	}
	if added.Scope != "T:Activity:FooCommand" || added.TenantID != "T" {
		t.Fatalf("unexpected event: %#v", added)
	}
	if !g.IsActiveAt(now) {
		t.Fatalf("expected new grant to be active")
	}
}

func TestGrantLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	g, err := NewGrant("u1", "Jane Doe", ActivityScope("T", "FooCommand"), &future, "admin", now)
	if err != nil {
		t.Fatalf("new grant: %v", err)
	}
	if g.IsExpiredAt(future.Add(-time.Second)) {
		t.Fatalf("expected grant not expired before expiry")
	}
	if !g.IsExpiredAt(future) {
		t.Fatalf("expected grant expired at expiry instant")
	}

	g.Drain()
	g.Revoke("x", now)
	if !g.IsRevoked() || g.IsActiveAt(now) {
		t.Fatalf("expected revoked grant to be inactive")
	}
	first := *g.RevokedOn

	g.Revoke("y", now.Add(time.Minute))
	if *g.RevokedBy != "y" || !g.RevokedOn.After(first) {
		t.Fatalf("expected revoke to re-stamp, got %v %v", *g.RevokedBy, *g.RevokedOn)
	}
	drained := g.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 revoke events, got %d", len(drained))
	}
	if len(g.PendingEvents()) != 0 {
		t.Fatalf("expected empty buffer after drain")
	}
}
