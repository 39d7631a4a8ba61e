package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/shared/apperr"
)

// RateLimiter is a fixed-window counter kept in Redis.
type RateLimiter struct {
	Redis  redis.Cmdable
	Prefix string
	Limit  int // requests
	Window time.Duration
	Log    *zap.SugaredLogger
}

func NewRateLimiter(r redis.Cmdable, prefix string, limit int, window time.Duration, log *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{Redis: r, Prefix: prefix, Limit: limit, Window: window, Log: log}
}

// Allow counts one hit for key in the current window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", r.Prefix, key)
	count, err := r.Redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		r.Redis.Expire(ctx, redisKey, r.Window)
	}
	return count <= int64(r.Limit), nil
}

// MiddlewareByKey fails open when Redis is unavailable.
func (r *RateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, err := r.Allow(c.UserContext(), keyFunc(c))
		if err != nil {
			if r.Log != nil {
				r.Log.Warnw("rate limiter unavailable", "err", err)
			}
			return c.Next()
		}
		if !ok {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": apperr.ErrRateLimited.Error()})
		}
		return c.Next()
	}
}
