// Package handlers holds the api host's HTTP endpoints.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"multitenant-template/api/internal/authz"
	"multitenant-template/api/internal/middleware"
	"multitenant-template/api/internal/models"
	"multitenant-template/api/internal/repos"
	"multitenant-template/shared/authx"
	"multitenant-template/shared/httpx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/tenantx"
)

type GrantQueries interface {
	Matching(ctx context.Context, filter models.GrantScope, userID *string) ([]*models.Grant, error)
	History(ctx context.Context, userID string, tenantID string) ([]repos.GrantHistoryEntry, error)
}

type GrantCommands interface {
	AddGrant(ctx context.Context, in authz.AddGrantInput) (*models.Grant, error)
	RevokeGrant(ctx context.Context, key models.GrantKey, revokedBy string) error
	RevokeAllGrants(ctx context.Context, userID string, tenantID string, revokedBy string) (int, error)
}

type Evaluator interface {
	middleware.ActivityAuthorizer
	Capabilities(ctx context.Context, s authz.Subject, activities ...string) (map[string]bool, error)
}

// Authorization serves grant administration and capability flags. Every
// route expects auth and tenant middleware to have run.
type Authorization struct {
	Queries   GrantQueries
	Commands  GrantCommands
	Evaluator Evaluator
	Catalog   *authz.Catalog
	Logger    logx.Logger
}

func (h Authorization) Register(mux *http.ServeMux) {
	guard := func(activity string, resource func(*http.Request) string, fn http.HandlerFunc) http.Handler {
		return middleware.RequireActivity{
			Authorizer: h.Evaluator,
			Activity:   activity,
			Resource:   resource,
			Logger:     h.Logger,
		}.HandlerFunc(fn)
	}
	pathUser := func(r *http.Request) string { return r.PathValue("userId") }

	mux.HandleFunc("GET /v1/authorization/capabilities", h.capabilities)
	mux.Handle("GET /v1/authorization/grants", guard(authz.ActivityListGrants, nil, h.listGrants))
	mux.Handle("POST /v1/authorization/grants", guard(authz.ActivityAddGrant, nil, h.addGrant))
	mux.Handle("DELETE /v1/authorization/grants", guard(authz.ActivityRevokeGrant, nil, h.revokeGrant))
	mux.Handle("DELETE /v1/authorization/users/{userId}/grants", guard(authz.ActivityRevokeAllGrants, nil, h.revokeAllGrants))
	mux.Handle("GET /v1/authorization/users/{userId}/history", guard(authz.ActivityViewGrantHistory, pathUser, h.history))
}

type grantView struct {
	UserID    string     `json:"user_id"`
	FullName  string     `json:"full_name"`
	Scope     string     `json:"scope"`
	ExpiresOn *time.Time `json:"expires_on,omitempty"`
	GrantedBy string     `json:"granted_by"`
	GrantedOn time.Time  `json:"granted_on"`
}

func toGrantView(g *models.Grant) grantView {
	return grantView{
		UserID:    g.UserID,
		FullName:  g.FullName,
		Scope:     g.Scope.String(),
		ExpiresOn: g.ExpiresOn,
		GrantedBy: g.GrantedBy,
		GrantedOn: g.GrantedOn,
	}
}

type historyView struct {
	grantView
	RevokedBy  *string    `json:"revoked_by,omitempty"`
	RevokedOn  *time.Time `json:"revoked_on,omitempty"`
	ArchivedOn time.Time  `json:"archived_on"`
}

// capabilities returns HasGrant flags for ?activity= values, or for the
// whole catalog when none are given.
func (h Authorization) capabilities(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFrom(w, r)
	if !ok {
		return
	}
	activities := r.URL.Query()["activity"]
	if len(activities) == 0 {
		activities = h.Catalog.Names()
	}
	caps, err := h.Evaluator.Capabilities(r.Context(), subject, activities...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":      subject.UserID,
		"tenant_id":    subject.TenantID,
		"capabilities": caps,
	})
}

// listGrants runs a wildcard scope search inside the caller's tenant.
// ?type= and ?qualifier= accept '%' patterns; ?user= narrows to one user.
func (h Authorization) listGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.GrantScope{
		TenantID:  tenantx.TenantIDFromContext(r.Context()),
		GrantType: strings.TrimSpace(q.Get("type")),
		Qualifier: strings.TrimSpace(q.Get("qualifier")),
	}
	var userID *string
	if u := strings.TrimSpace(q.Get("user")); u != "" {
		userID = &u
	}
	grants, err := h.Queries.Matching(r.Context(), filter, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]grantView, 0, len(grants))
	for _, g := range grants {
		out = append(out, toGrantView(g))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"grants": out})
}

type addGrantRequest struct {
	UserID    string     `json:"user_id"`
	FullName  string     `json:"full_name"`
	GrantType string     `json:"grant_type"`
	Qualifier string     `json:"qualifier"`
	ExpiresOn *time.Time `json:"expires_on"`
}

func (h Authorization) addGrant(w http.ResponseWriter, r *http.Request) {
	var req addGrantRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"reason": err.Error()})
		return
	}
	auth, _ := authx.FromContext(r.Context())
	g, err := h.Commands.AddGrant(r.Context(), authz.AddGrantInput{
		UserID:    strings.TrimSpace(req.UserID),
		FullName:  strings.TrimSpace(req.FullName),
		Scope:     models.GrantScope{TenantID: tenantx.TenantIDFromContext(r.Context()), GrantType: req.GrantType, Qualifier: req.Qualifier},
		ExpiresOn: req.ExpiresOn,
		GrantedBy: auth.Subject,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toGrantView(g))
}

func (h Authorization) revokeGrant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := models.GrantKey{
		UserID: strings.TrimSpace(q.Get("user")),
		Scope: models.GrantScope{
			TenantID:  tenantx.TenantIDFromContext(r.Context()),
			GrantType: q.Get("type"),
			Qualifier: q.Get("qualifier"),
		},
	}
	if key.UserID == "" || key.Scope.Validate() != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "user, type and qualifier are required", nil)
		return
	}
	auth, _ := authx.FromContext(r.Context())
	if err := h.Commands.RevokeGrant(r.Context(), key, auth.Subject); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h Authorization) revokeAllGrants(w http.ResponseWriter, r *http.Request) {
	auth, _ := authx.FromContext(r.Context())
	n, err := h.Commands.RevokeAllGrants(r.Context(), r.PathValue("userId"), tenantx.TenantIDFromContext(r.Context()), auth.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (h Authorization) history(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Queries.History(r.Context(), r.PathValue("userId"), tenantx.TenantIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyView{
			grantView: grantView{
				UserID:    e.UserID,
				FullName:  e.FullName,
				Scope:     e.Scope.String(),
				ExpiresOn: e.ExpiresOn,
				GrantedBy: e.GrantedBy,
				GrantedOn: e.GrantedOn,
			},
			RevokedBy:  e.RevokedBy,
			RevokedOn:  e.RevokedOn,
			ArchivedOn: e.ArchivedOn,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"history": out})
}

func subjectFrom(w http.ResponseWriter, r *http.Request) (authz.Subject, bool) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return authz.Subject{}, false
	}
	tenantID := tenantx.TenantIDFromContext(r.Context())
	if tenantID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return authz.Subject{}, false
	}
	return authz.Subject{UserID: auth.Subject, TenantID: tenantID}, true
}

func (h Authorization) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, models.ErrDomain):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, models.ErrAlreadyExists):
		httpx.WriteError(w, r, http.StatusConflict, "ALREADY_EXISTS", err.Error(), nil)
	case errors.Is(err, models.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "grant not found", nil)
	default:
		h.Logger.Error(r.Context(), "authorization_request_failed", "authorization request failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}
