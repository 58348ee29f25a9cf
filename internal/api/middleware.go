package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradearena/internal/auth"
	"tradearena/internal/config"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

type contextKey struct{ name string }

var userKey = contextKey{"user"}

func withUser(ctx context.Context, u types.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// userFrom returns the authenticated user stored by requireUser. The zero
// User means the request never passed through the guard.
func userFrom(ctx context.Context) types.User {
	u, _ := ctx.Value(userKey).(types.User)
	return u
}

// guard authenticates requests and enforces roles. Every authenticated
// request upserts the user row so roles assigned out of band take effect on
// the next call.
type guard struct {
	verifier auth.Verifier
	store    storage.Store
	logger   *slog.Logger
}

func (g *guard) authenticate(r *http.Request) (types.User, error) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return types.User{}, fmt.Errorf("missing bearer token: %w", auth.ErrUnauthorized)
	}
	ident, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		return types.User{}, err
	}
	user, err := g.store.EnsureUser(r.Context(), ident.AuthID, ident.Email, ident.Name)
	if err != nil {
		return types.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (g *guard) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := g.authenticate(r)
		if err != nil {
			respondError(w, g.logger, err)
			return
		}
		next(w, r.WithContext(withUser(r.Context(), user)))
	}
}

func (g *guard) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return g.requireUser(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()).Role != types.RoleAdmin {
			respondError(w, g.logger, fmt.Errorf("admin role required: %w", auth.ErrForbidden))
			return
		}
		next(w, r)
	})
}

// tradeLimiter throttles order placement per user. Limiters are created on
// first use and kept for the process lifetime; the map stays small because
// its keys are contest participants.
type tradeLimiter struct {
	mu      sync.Mutex
	perUser map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newTradeLimiter(cfg config.RateLimitConfig) *tradeLimiter {
	return &tradeLimiter{
		perUser: make(map[string]*rate.Limiter),
		limit:   rate.Limit(cfg.TradePerSecond),
		burst:   cfg.TradeBurst,
	}
}

func (l *tradeLimiter) allow(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perUser[email]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perUser[email] = lim
	}
	return lim.Allow()
}

// limitTrades must run after requireUser so the user email is set.
func (l *tradeLimiter) limitTrades(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(userFrom(r.Context()).Email) {
			writeError(w, http.StatusTooManyRequests, "trade rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response status for the request log. It
// passes hijacking through so WebSocket upgrades work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func cors(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, allowed, r.Host) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed decides whether a browser origin may hit the API. With an
// allowlist configured only its entries (or "*") pass; without one, the
// request's own host and local development hosts pass.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
