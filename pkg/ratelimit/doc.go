// Package ratelimit decides, per request, whether a caller may proceed.
//
// A RateLimiter combines an access list, tier resolution, burst detection
// and one admission strategy (token bucket, sliding window, fixed window or
// adaptive) behind CheckAdmission. Per-client state lives in a sharded map
// with one lock per client; background tasks reap idle clients, roll up
// metrics and push counts to an optional DistributedStore.
//
// Basic usage:
//
//	policy, err := ratelimit.LoadPolicyFile("policy.yaml")
//	if err != nil {
//		return err
//	}
//	limiter, err := ratelimit.New(policy, ratelimit.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	limiter.Start(ctx)
//	defer limiter.Stop()
//
//	result := limiter.CheckAdmission(clientID, req, ratelimit.StrategyDefault)
//	if !result.Allowed {
//		// respond 429 with result.RetryAfter
//	}
package ratelimit
