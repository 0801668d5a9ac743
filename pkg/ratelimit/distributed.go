package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

type syncJob struct {
	clientID string
	key      string
	window   time.Duration
	index    int64
	timeout  time.Duration
}

func (l *RateLimiter) distributedEnabled(policy *RateLimitPolicy) bool {
	return l.store != nil && policy.Distributed.Enabled
}

// backendAvailable is false when no store is configured or the breaker is open.
func (l *RateLimiter) backendAvailable() bool {
	if !l.distributedEnabled(l.current.Load().policy) {
		return false
	}
	return !l.breakerOpen(l.clock.Now())
}

func (l *RateLimiter) breakerOpen(now time.Time) bool {
	until := l.breakerUntil.Load()
	return until != 0 && now.UnixNano() < until
}

// tripBreaker opens the breaker and logs once per trip.
func (l *RateLimiter) tripBreaker(err error) {
	now := l.clock.Now()
	l.counters.backendErrs.Add(1)
	for {
		until := l.breakerUntil.Load()
		if until != 0 && now.UnixNano() < until {
			return
		}
		if l.breakerUntil.CompareAndSwap(until, now.Add(backendBreakerDuration).UnixNano()) {
			l.log.WithError(err).Warn("distributed store unavailable, enforcing locally")
			return
		}
	}
}

// closeBreaker clears a previous trip once the store answers again.
func (l *RateLimiter) closeBreaker() {
	if until := l.breakerUntil.Load(); until != 0 && l.breakerUntil.CompareAndSwap(until, 0) {
		l.log.Info("distributed store recovered")
	}
}

// globallyExhausted reports whether the last count observed in the store for
// the current window already reached the limit. Only consulted in enforce mode.
func (l *RateLimiter) globallyExhausted(st *clientState, policy *RateLimitPolicy, limit TierLimit, now time.Time) bool {
	if !l.distributedEnabled(policy) || !policy.Distributed.Enforce {
		return false
	}
	if st.globalWindow != windowIndex(now, policy.Window()) {
		return false
	}
	return st.globalCount >= int64(limit.RequestsPerWindow)
}

// enqueueSync hands an admitted request to the sync workers. It never blocks:
// when the queue is full or the breaker is open the update is dropped.
func (l *RateLimiter) enqueueSync(clientID string, policy *RateLimitPolicy, now time.Time) {
	if !l.distributedEnabled(policy) || l.breakerOpen(now) {
		return
	}
	window := policy.Window()
	index := windowIndex(now, window)
	job := syncJob{
		clientID: clientID,
		key:      windowKey(policy.Distributed.KeyPrefix, clientID, index),
		window:   window,
		index:    index,
		timeout:  policy.DistributedTimeout(),
	}
	select {
	case l.syncQueue <- job:
	default:
	}
}

func (l *RateLimiter) runSyncWorker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-l.syncQueue:
			l.syncOne(ctx, job)
		}
	}
}

func (l *RateLimiter) syncOne(ctx context.Context, job syncJob) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("client_id", job.clientID).Errorf("distributed sync panicked: %v", r)
		}
	}()

	if l.breakerOpen(l.clock.Now()) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, job.timeout)
	defer cancel()

	count, err := l.store.Incr(callCtx, job.key, job.window)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		l.tripBreaker(err)
		return
	}
	l.closeBreaker()

	st, ok := l.clients.get(job.clientID)
	if !ok {
		return
	}
	st.mu.Lock()
	if !st.evicted {
		st.observeGlobal(job.index, count)
	}
	st.mu.Unlock()
}

// RefreshGlobalCount reads the client's count for the current window from the
// distributed store and records it in the client's state.
func (l *RateLimiter) RefreshGlobalCount(ctx context.Context, clientID string) (int64, error) {
	if err := ValidateClientID(clientID); err != nil {
		return 0, err
	}
	policy := l.current.Load().policy
	now := l.clock.Now()
	if !l.distributedEnabled(policy) || l.breakerOpen(now) {
		return 0, ErrBackendUnavailable
	}

	index := windowIndex(now, policy.Window())
	callCtx, cancel := context.WithTimeout(ctx, policy.DistributedTimeout())
	defer cancel()

	count, err := l.store.Get(callCtx, windowKey(policy.Distributed.KeyPrefix, clientID, index))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.tripBreaker(err)
		}
		return 0, err
	}
	l.closeBreaker()

	if st, ok := l.clients.get(clientID); ok {
		st.mu.Lock()
		if !st.evicted {
			st.observeGlobal(index, count)
		}
		st.mu.Unlock()
	}
	return count, nil
}

// pingStore is used by the aggregator to test a tripped backend.
func (l *RateLimiter) pingStore(ctx context.Context, policy *RateLimitPolicy) {
	if !l.distributedEnabled(policy) || !l.breakerOpen(l.clock.Now()) {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, policy.DistributedTimeout())
	defer cancel()
	if err := l.store.Ping(callCtx); err != nil {
		l.log.WithFields(logrus.Fields{"error": err}).Debug("distributed store still unavailable")
		return
	}
	l.closeBreaker()
}
