package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duskline/e2ee/internal/authn"
	"github.com/duskline/e2ee/internal/metrics"
)

// TieredLimiter enforces Redis-backed sliding window limits scoped to a
// single user, used for the two prekey endpoints that have distinct budgets:
// uploads are rare and expensive (full bundle regeneration), fetches are
// frequent and cheap (one per session establishment).
type TieredLimiter struct {
	redisClient *redis.Client
	logger      *log.Logger
}

func NewTieredLimiter(redisClient *redis.Client) *TieredLimiter {
	return &TieredLimiter{
		redisClient: redisClient,
		logger:      log.New(os.Stdout, "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow checks and records a request against a per-user sliding window keyed
// by name (e.g. "prekey-upload", "prekey-fetch"). It returns true when the
// request is within budget.
func (rl *TieredLimiter) Allow(ctx context.Context, name string, userID string, maxRequests int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", name, userID)
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	if err := rl.redisClient.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("warning: failed to trim window for %s: %v", key, err)
	}

	count, err := rl.redisClient.ZCard(ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("warning: failed to count requests for %s: %v", key, err)
		return true, nil
	}

	if count >= int64(maxRequests) {
		return false, nil
	}

	if err := rl.redisClient.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: now}).Err(); err != nil {
		rl.logger.Printf("warning: failed to record request for %s: %v", key, err)
	}
	if err := rl.redisClient.Expire(ctx, key, window).Err(); err != nil {
		rl.logger.Printf("warning: failed to set expiry for %s: %v", key, err)
	}

	return true, nil
}

// Middleware wraps a handler with a named per-user limit. The caller must
// run after an auth middleware so authn.UserID resolves.
func (rl *TieredLimiter) Middleware(name string, maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := authn.UserID(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			allowed, err := rl.Allow(r.Context(), name, userID.String(), maxRequests, window)
			if err != nil {
				rl.logger.Printf("rate limit check failed: %v", err)
			}
			if !allowed {
				metrics.RateLimitHitsTotal.WithLabelValues(name).Inc()
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
