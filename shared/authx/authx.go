package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// AuthContext is the verified caller. Subject is the user id grants are keyed by.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	// Tenants lists the tenants the token is restricted to; empty means unrestricted.
	Tenants []string
	Claims  map[string]any
}

// DisplayName is the best human-readable label for the caller.
func (a AuthContext) DisplayName() string {
	for _, v := range []string{a.Name, a.Email, a.Subject} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a AuthContext) AllowsTenant(tenantID string) bool {
	if len(a.Tenants) == 0 {
		return true
	}
	for _, t := range a.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

type JWTVerifier struct {
	issuer    string
	audience  string
	jwks      *JWKSCache
	clockSkew time.Duration
	parser    *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}

	return &JWTVerifier{
		issuer:    issuer,
		audience:  audience,
		jwks:      NewJWKSCache(jwksURL, time.Duration(ttlSeconds)*time.Second, &http.Client{Timeout: 5 * time.Second}),
		clockSkew: time.Duration(clockSkewSeconds) * time.Second,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		return v.jwks.GetKey(ctx, kid)
	})
	if err != nil {
		return AuthContext{}, ErrInvalidToken
	}

	if claims["exp"] == nil || claims["nbf"] == nil || claims["iss"] == nil || claims["aud"] == nil {
		return AuthContext{}, ErrInvalidToken
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}

	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "preferred_username")
	}

	return AuthContext{
		Subject: subject,
		Email:   claimString(claims, "email"),
		Name:    name,
		Tenants: claimList(claims, "tenant_id", "tenants"),
		Claims:  map[string]any(claims),
	}, nil
}

func claimString(claims map[string]any, key string) string {
	v, ok := claims[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

type JWKSCache struct {
	url        string
	ttl        time.Duration
	client     *http.Client
	mu         sync.RWMutex
	keysByKID  map[string]any
	expiresAt  time.Time
	lastUpdate time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{
		url:       url,
		ttl:       ttl,
		client:    client,
		keysByKID: map[string]any{},
	}
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}

	now := time.Now()
	c.mu.RLock()
	key := c.keysByKID[kid]
	expiresAt := c.expiresAt
	c.mu.RUnlock()

	if key != nil && now.Before(expiresAt) {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		c.mu.RLock()
		key = c.keysByKID[kid]
		expiresAt = c.expiresAt
		c.mu.RUnlock()
		if key != nil && now.Before(expiresAt) {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key = c.keysByKID[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return err
	}

	keys := make(map[string]any)
	iter := set.Iterate(ctx)
	for iter.Next(ctx) {
		pair := iter.Pair()
		key, ok := pair.Value.(jwk.Key)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.New("no usable jwks keys")
	}

	c.mu.Lock()
	c.keysByKID = keys
	c.expiresAt = time.Now().Add(c.ttl)
	c.lastUpdate = time.Now()
	c.mu.Unlock()
	return nil
}

// claimList merges string, space-separated string and array claims under
// keys, dropping blanks and duplicates.
func claimList(claims map[string]any, keys ...string) []string {
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		for _, existing := range out {
			if existing == v {
				return
			}
		}
		out = append(out, v)
	}

	for _, key := range keys {
		v, ok := claims[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case []string:
			for _, item := range t {
				add(item)
			}
		case []any:
			for _, item := range t {
				add(fmt.Sprint(item))
			}
		case string:
			for _, item := range strings.Fields(t) {
				add(item)
			}
		default:
			add(fmt.Sprint(t))
		}
	}
	return out
}
