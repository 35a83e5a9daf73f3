package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"task-notifications/cache"
	"task-notifications/metrics"

	"github.com/go-redis/redis/v8"
)

type RateLimiter struct {
	RedisClient cache.RedisClientInterface
	Limit       int
	Window      time.Duration

	now func() time.Time
}

func NewRateLimiter(redisClient cache.RedisClientInterface, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		RedisClient: redisClient,
		Limit:       limit,
		Window:      window,
		now:         time.Now,
	}
}

func rateLimitKeys(userID string) (remaining, reset string) {
	key := "rate_limit:" + userID
	return key + ":remaining", key + ":reset"
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		userID, ok := UserID(req)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		remainingKey, resetKey := rateLimitKeys(userID)

		remaining, err := r.RedisClient.Get(ctx, remainingKey).Int()
		if errors.Is(err, redis.Nil) {
			reset := r.now().Add(r.Window).Unix()
			r.RedisClient.Set(ctx, remainingKey, r.Limit-1, r.Window)
			r.RedisClient.Set(ctx, resetKey, reset, r.Window)

			w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(r.Limit-1))
			w.Header().Set("X-Rate-Limit-Reset", strconv.FormatInt(reset, 10))
			next.ServeHTTP(w, req)
			return
		} else if err != nil {
			http.Error(w, "Rate limit error", http.StatusInternalServerError)
			return
		}

		if remaining <= 0 {
			reset, _ := r.RedisClient.Get(ctx, resetKey).Result()
			metrics.RateLimited.Inc()
			w.Header().Set("X-Rate-Limit-Remaining", "0")
			w.Header().Set("X-Rate-Limit-Reset", reset)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		r.RedisClient.Decr(ctx, remainingKey)
		reset, _ := r.RedisClient.Get(ctx, resetKey).Result()
		w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining-1))
		w.Header().Set("X-Rate-Limit-Reset", reset)
		next.ServeHTTP(w, req)
	})
}

// Status reports the budget left for userID and the seconds until it
// refills. A user without a window has the full limit.
func (r *RateLimiter) Status(ctx context.Context, userID string) (remaining int, resetIn time.Duration, err error) {
	remainingKey, _ := rateLimitKeys(userID)

	remaining, err = r.RedisClient.Get(ctx, remainingKey).Int()
	if errors.Is(err, redis.Nil) {
		return r.Limit, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	ttl, err := r.RedisClient.TTL(ctx, remainingKey).Result()
	if err != nil {
		return 0, 0, err
	}
	if remaining < 0 {
		remaining = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return remaining, ttl, nil
}
