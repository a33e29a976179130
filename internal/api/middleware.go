package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const pipelineCtxKey contextKey = iota

// authPipeline holds the authenticated pipeline context for a request.
type authPipeline struct {
	ID      string
	Name    string
	Enabled bool
}

// pipelineFromContext extracts the authenticated pipeline from the request context.
func pipelineFromContext(ctx context.Context) *authPipeline {
	v, _ := ctx.Value(pipelineCtxKey).(*authPipeline)
	return v
}

// --- Auth cache (stale-while-revalidate) ---

type cacheEntry struct {
	pipeline   *authPipeline
	expiresAt  time.Time
	refreshing atomic.Bool
}

type authCache struct {
	store sync.Map // map[string]*cacheEntry (keyed by full API key)
	ttl   time.Duration
}

func newAuthCache(ttl time.Duration) *authCache {
	return &authCache{ttl: ttl}
}

func (c *authCache) get(key string) (p *authPipeline, hit bool, needsRefresh bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return nil, false, false
	}
	entry := v.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.pipeline, true, false // fresh
	}
	// Stale — return value but signal refresh needed (only one goroutine refreshes)
	needsRefresh = entry.refreshing.CompareAndSwap(false, true)
	return entry.pipeline, true, needsRefresh
}

func (c *authCache) set(key string, p *authPipeline) {
	c.store.Store(key, &cacheEntry{
		pipeline:  p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// --- Auth middleware ---

// authMiddleware returns a wrapper that validates Bearer xrk_ tokens and
// injects the authenticated pipeline into the request context. All wrapped
// routes share one cache.
func (d *Dependencies) authMiddleware() func(http.HandlerFunc) http.HandlerFunc {
	cache := newAuthCache(d.CacheTTL)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
				return
			}
			if len(token) < 8 || !strings.HasPrefix(token, "xrk_") {
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key format"})
				return
			}

			// Cache lookup
			pl, hit, needsRefresh := cache.get(token)
			if hit && needsRefresh {
				// Stale hit — serve stale, refresh in background
				go d.refreshAuth(cache, token)
			}
			if hit && pl != nil {
				ctx := context.WithValue(r.Context(), pipelineCtxKey, pl)
				next(w, r.WithContext(ctx))
				return
			}

			// Cache miss — synchronous lookup
			pl, err := d.authenticateToken(r.Context(), token)
			if err != nil {
				d.Logger.Warn("auth failed", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
				return
			}

			cache.set(token, pl)
			ctx := context.WithValue(r.Context(), pipelineCtxKey, pl)
			next(w, r.WithContext(ctx))
		}
	}
}

// authenticateToken validates an API key against Postgres and returns the pipeline context.
func (d *Dependencies) authenticateToken(ctx context.Context, token string) (*authPipeline, error) {
	prefix := token[:8]
	p, err := d.Store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline not found for prefix")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(token)); err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("pipeline %s is disabled", p.ID)
	}

	return &authPipeline{
		ID:      p.ID,
		Name:    p.Name,
		Enabled: p.Enabled,
	}, nil
}

// refreshAuth refreshes the cache entry in the background.
func (d *Dependencies) refreshAuth(cache *authCache, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pl, err := d.authenticateToken(ctx, token)
	if err != nil {
		d.Logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	cache.set(token, pl)
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
