package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Policy bounds one namespace. Limit == 0 disables size-based eviction;
// TTL == 0 disables expiry.
type Policy struct {
	Limit int64
	TTL   time.Duration
}

const (
	// evictionTarget is the fill ratio eviction drives a namespace down to
	// once its limit is hit.
	evictionTarget = 0.8

	PartialTTL = time.Hour
	HistoryTTL = 30 * 24 * time.Hour
)

// DefaultPolicies returns the standard per-namespace policies: final
// translations are LRU-only (no TTL), partials live one hour, history
// thirty days.
func DefaultPolicies(translationLimit, partialLimit, historyLimit int64, sessionTTL time.Duration) map[Namespace]Policy {
	return map[Namespace]Policy{
		NSTranslation: {Limit: translationLimit},
		NSPartial:     {Limit: partialLimit, TTL: PartialTTL},
		NSHistory:     {Limit: historyLimit, TTL: HistoryTTL},
		NSSession:     {TTL: sessionTTL},
	}
}

// Store layers namespace policies, LRU eviction and single-flight
// deduplication over a Backend.
type Store struct {
	backend  Backend
	policies map[Namespace]Policy
	group    singleflight.Group
}

func NewStore(backend Backend, policies map[Namespace]Policy) *Store {
	if policies == nil {
		policies = DefaultPolicies(0, 0, 0, 0)
	}
	return &Store{backend: backend, policies: policies}
}

func (s *Store) Backend() Backend { return s.backend }

func (s *Store) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	return s.backend.Get(ctx, ns, key)
}

// Set stores value under the namespace policy, evicting least-recently-used
// entries first when the write would exceed the namespace limit.
// ttl == 0 applies the policy TTL.
func (s *Store) Set(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	pol := s.policies[ns]
	if ttl == 0 {
		ttl = pol.TTL
	}
	if pol.Limit > 0 {
		if err := s.ensureCapacity(ctx, ns, pol.Limit, int64(len(value))); err != nil {
			return err
		}
	}
	return s.backend.Set(ctx, ns, key, value, ttl)
}

func (s *Store) ensureCapacity(ctx context.Context, ns Namespace, limit, incoming int64) error {
	size, err := s.backend.Size(ctx, ns)
	if err != nil {
		return err
	}
	if size+incoming <= limit {
		return nil
	}
	// The incoming write counts against the target so the namespace never
	// exceeds its limit after the write lands.
	target := int64(float64(limit) * evictionTarget)
	order, err := s.backend.AccessOrder(ctx, ns)
	if err != nil {
		return err
	}
	for _, info := range order {
		if size+incoming <= target {
			break
		}
		if err := s.backend.Delete(ctx, ns, info.Key); err != nil {
			return err
		}
		size -= info.Size
		slog.Debug("evicted cache entry", "namespace", ns, "key", info.Key, "size", info.Size)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ns Namespace, key string) error {
	return s.backend.Delete(ctx, ns, key)
}

func (s *Store) List(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	return s.backend.List(ctx, ns, pattern)
}

func (s *Store) Size(ctx context.Context, ns Namespace) (int64, error) {
	return s.backend.Size(ctx, ns)
}

func (s *Store) Metadata(ctx context.Context, ns Namespace, key string) (Metadata, error) {
	return s.backend.Metadata(ctx, ns, key)
}

func (s *Store) Cleanup(ctx context.Context, ns Namespace) error {
	return s.backend.Cleanup(ctx, ns)
}

func (s *Store) HealthCheck(ctx context.Context) error { return s.backend.HealthCheck(ctx) }

func (s *Store) Close() error { return s.backend.Close() }

type flightResult struct {
	value    []byte
	coalesce bool
}

// GetOrCompute returns the cached value for key, or runs producer exactly
// once per concurrent cohort and caches its result. The returned bool is
// true when the value came from the cache or from another caller's in-flight
// producer rather than this call's own work.
//
// Producer failures propagate to every waiter. A backend failure on the read
// or write path degrades to an uncached computation: the producer still runs
// and its result is returned even when it cannot be persisted.
func (s *Store) GetOrCompute(ctx context.Context, ns Namespace, key string, ttl time.Duration, producer func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	sfKey := string(ns) + "\x00" + key
	// executed is set only in the caller whose closure ran; the other
	// cohort members received a flight result they did not produce.
	executed := false
	v, err, _ := s.group.Do(sfKey, func() (any, error) {
		executed = true
		b, getErr := s.backend.Get(ctx, ns, key)
		if getErr == nil {
			return flightResult{value: b, coalesce: true}, nil
		}
		if IsUnavailable(getErr) {
			slog.Warn("cache read failed; computing without cache", "namespace", ns, "key", key, "err", getErr)
		} else if locker, ok := s.backend.(AdvisoryLocker); ok {
			// Best-effort cross-process coalescing: if another process holds
			// the producer lock, poll the cache briefly before computing.
			acquired, lockErr := locker.TryLock(ctx, sfKey, remoteLockTTL)
			switch {
			case lockErr == nil && acquired:
				defer func() { _ = locker.Unlock(ctx, sfKey) }()
			case lockErr == nil && !acquired:
				if b, ok := s.awaitRemoteProducer(ctx, ns, key); ok {
					return flightResult{value: b, coalesce: true}, nil
				}
			}
		}

		value, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := s.Set(ctx, ns, key, value, ttl); setErr != nil {
			slog.Warn("cache write failed; returning uncached result", "namespace", ns, "key", key, "err", setErr)
		}
		return flightResult{value: value}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(flightResult)
	return r.value, r.coalesce || !executed, nil
}

const (
	remoteLockTTL      = 10 * time.Minute
	remotePollInterval = 500 * time.Millisecond
	remotePollBudget   = 20
)

// awaitRemoteProducer polls the cache while another process's producer lock
// is held. Gives up (and lets the caller compute anyway) after the budget.
func (s *Store) awaitRemoteProducer(ctx context.Context, ns Namespace, key string) ([]byte, bool) {
	for i := 0; i < remotePollBudget; i++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(remotePollInterval):
		}
		if b, err := s.backend.Get(ctx, ns, key); err == nil {
			return b, true
		}
	}
	return nil, false
}

// Compute runs producer outside the single-flight group and overwrites the
// cached value. Used by force-refresh: waiters already attached to an
// in-flight producer keep their pre-force result.
func (s *Store) Compute(ctx context.Context, ns Namespace, key string, ttl time.Duration, producer func(context.Context) ([]byte, error)) ([]byte, error) {
	value, err := producer(ctx)
	if err != nil {
		return nil, err
	}
	if setErr := s.Set(ctx, ns, key, value, ttl); setErr != nil {
		slog.Warn("cache write failed; returning uncached result", "namespace", ns, "key", key, "err", setErr)
	}
	return value, nil
}
