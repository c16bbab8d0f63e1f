// Package middleware provides the rate limiting that guards the sign-in
// endpoints.
//
// Two Limiter implementations exist. RateLimiter is an in-process token
// bucket; DistributedRateLimiter keeps a fixed window per key in Redis so
// several server instances share one budget.
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(middleware.RateLimit(limiter, middleware.ByClientIP, logger))
//
// Rejected requests get 429 with a Retry-After header and the rate_limited
// error body. When the limiter itself fails the request is allowed.
package middleware
