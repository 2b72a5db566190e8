// Package security holds the cross-cutting protections of the gateway's
// auth endpoints: structured audit records, per-IP rate limiting, response
// security headers, client IP extraction behind proxies, request ids and
// clock-aware expiry checks.
//
// Audit records are written through an Auditor, which hashes user ids and
// never logs secrets. A nil *Auditor is valid and discards events, so
// components can be built without one in tests.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{PerSecond: 1, Burst: 5}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(security.ClientIP(r, cfg.TrustedProxies)) {
//		http.Error(w, "too many requests", http.StatusTooManyRequests)
//		return
//	}
package security
