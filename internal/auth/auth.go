// Package auth verifies bearer tokens against the external auth provider.
//
// The engine does not issue credentials itself: participants sign in through
// the provider and present its access token on every HTTP request and on the
// WebSocket authenticate message. Verification results are cached for a short
// TTL so a chatty trading client does not turn into one provider round trip
// per request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tradearena/internal/config"
)

var (
	// ErrUnauthorized means the token is missing, malformed, expired, or
	// rejected by the provider.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is authenticated but lacks the role
	// required for the endpoint.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the provider's view of a caller. Role assignment is not the
// provider's job; the engine keeps roles in its own user table.
type Identity struct {
	AuthID string
	Email  string
	Name   string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// ProviderClient verifies tokens with a GET /auth/v1/user call, the
// introspection endpoint exposed by GoTrue-style providers.
type ProviderClient struct {
	http       *resty.Client
	serviceKey string

	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	ident   Identity
	expires time.Time
}

// userResponse is the subset of the provider's user object the engine needs.
type userResponse struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
}

// NewProviderClient creates a verifier against cfg.Auth.ProviderURL.
func NewProviderClient(cfg config.Config) *ProviderClient {
	httpClient := resty.New().
		SetBaseURL(cfg.Auth.ProviderURL).
		SetTimeout(cfg.Auth.RequestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &ProviderClient{
		http:       httpClient,
		serviceKey: cfg.Auth.ServiceKey,
		ttl:        cfg.Auth.CacheTTL,
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// Verify resolves a bearer token to the identity it belongs to.
func (c *ProviderClient) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}

	if ident, ok := c.lookup(token); ok {
		return ident, nil
	}

	var user userResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("apikey", c.serviceKey).
		SetResult(&user).
		Get("/auth/v1/user")
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return Identity{}, fmt.Errorf("provider rejected token: %w", ErrUnauthorized)
	case resp.StatusCode() != http.StatusOK:
		return Identity{}, fmt.Errorf("verify token: status %d: %s", resp.StatusCode(), resp.String())
	}
	if user.ID == "" || user.Email == "" {
		return Identity{}, fmt.Errorf("provider returned incomplete user: %w", ErrUnauthorized)
	}

	name := user.UserMetadata.Name
	if name == "" {
		name = user.UserMetadata.FullName
	}
	ident := Identity{AuthID: user.ID, Email: strings.ToLower(user.Email), Name: name}
	c.store(token, ident)
	return ident, nil
}

func (c *ProviderClient) lookup(token string) (Identity, bool) {
	c.mu.RLock()
	entry, ok := c.cache[token]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return Identity{}, false
	}
	return entry.ident, true
}

func (c *ProviderClient) store(token string, ident Identity) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from growing without bound when
	// clients rotate tokens.
	if len(c.cache) >= 1024 {
		for k, e := range c.cache {
			if now.After(e.expires) {
				delete(c.cache, k)
			}
		}
	}
	c.cache[token] = cacheEntry{ident: ident, expires: now.Add(c.ttl)}
}

// BearerToken extracts the token from an Authorization header value.
// It returns "" when the header is absent or not a bearer scheme.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
