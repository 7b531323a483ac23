package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bananafyi/tokens/pkg/cache"
	"go.uber.org/zap"
)

// DefaultRequestsPerMinute applies when no per-user limit is configured.
const DefaultRequestsPerMinute = 60

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// RateLimiter caps ledger API calls per user in fixed one-minute windows
// counted in Redis, so every replica shares the same budget.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cache *cache.Cache, perMinute int, logger *zap.Logger) *RateLimiter {
	limit := int64(perMinute)
	if limit <= 0 {
		limit = DefaultRequestsPerMinute
	}
	return &RateLimiter{
		cache:  cache,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

// CheckRateLimit counts one request for userID and reports whether it fits
// in the current window.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, userID string) (bool, *RateLimitInfo, error) {
	now := rl.now()
	minuteKey := fmt.Sprintf("ratelimit:user:%s:minute:%s", userID, now.UTC().Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, nil, err
	}

	// Set expiration on first increment
	if count == 1 {
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			rl.logger.Debug("failed to set rate limit expiry", zap.String("key", minuteKey), zap.Error(err))
		}
	}

	resetAt := now.Truncate(time.Minute).Add(time.Minute).Unix()
	info := &RateLimitInfo{
		Limit:     rl.limit,
		Remaining: rl.limit - count,
		ResetAt:   resetAt,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}

	if count > rl.limit {
		info.RetryAfter = resetAt - now.Unix()
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		rl.logger.Warn("user rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int64("count", count),
			zap.Int64("limit", rl.limit),
		)
		return false, info, nil
	}
	return true, info, nil
}

// GetRateLimitHeaders returns HTTP headers for rate limit information
func (info *RateLimitInfo) GetRateLimitHeaders() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}
