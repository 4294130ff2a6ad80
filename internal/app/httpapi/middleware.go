package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/crossvault/authcore/internal/errors"
)

type contextKey string

const signerKey contextKey = "signer"

// SignerAddress returns the authenticated signer address from the request
// context, or an empty string.
func SignerAddress(ctx context.Context) string {
	addr, _ := ctx.Value(signerKey).(string)
	return addr
}

// authenticate validates the bearer token and stores the signer address in
// the request context. Identity proof happens at the wallet boundary; the
// token only transports the already-verified address. With no secret
// configured the check is skipped and the address is read from a header,
// which keeps local development workable.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Auth.JWTSecret == "" {
			ctx := context.WithValue(r.Context(), signerKey, r.Header.Get("X-Signer-Address"))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.writeError(w, errors.Unauthorized("missing bearer token"))
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Unauthorized("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(h.cfg.Auth.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			h.writeError(w, errors.Unauthorized("invalid token").WithCause(err))
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			h.writeError(w, errors.Unauthorized("token carries no signer address"))
			return
		}

		ctx := context.WithValue(r.Context(), signerKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// signerLimiter throttles mutating calls per signer address. Unauthenticated
// requests share one bucket keyed by remote address, so the key space churns
// and the map must stay bounded.
type signerLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	rps        rate.Limit
	burst      int
	maxEntries int
	idleTTL    time.Duration
	now        func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSignerLimiter(rps, burst int) *signerLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = rps * 2
	}
	return &signerLimiter{
		limiters:   make(map[string]*limiterEntry),
		rps:        rate.Limit(rps),
		burst:      burst,
		maxEntries: 4096,
		idleTTL:    3 * time.Minute,
		now:        time.Now,
	}
}

func (l *signerLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.evict(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// evict sweeps idle entries and, when every entry is still fresh, drops the
// stalest one so the map never outgrows maxEntries.
func (l *signerLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
	if len(l.limiters) < l.maxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for key, entry := range l.limiters {
		if oldestKey == "" || entry.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = entry.lastSeen
		}
	}
	delete(l.limiters, oldestKey)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := SignerAddress(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !h.limiter.allow(key) {
			h.writeError(w, errors.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog emits one structured line per request.
func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		h.log.WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"signer": SignerAddress(r.Context()),
		}).Debug("request handled")
	})
}
