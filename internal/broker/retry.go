package broker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultMaxRetries bounds retries per batch request; rotations on
	// rate limits do not consume it.
	DefaultMaxRetries = 2
	// MaxRetriesCap is the upper bound a caller can configure.
	MaxRetriesCap = 5

	defaultTransientBase = time.Second
	defaultRateLimitBase = 5 * time.Second
	defaultMaxDelay      = 60 * time.Second
	defaultJitter        = 0.25
)

type RetryOptions struct {
	MaxRetries    int
	TransientBase time.Duration
	RateLimitBase time.Duration
	MaxDelay      time.Duration
	Jitter        float64 // 0.0-1.0
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:    DefaultMaxRetries,
		TransientBase: defaultTransientBase,
		RateLimitBase: defaultRateLimitBase,
		MaxDelay:      defaultMaxDelay,
		Jitter:        defaultJitter,
	}
}

func (o RetryOptions) normalized() RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxRetries > MaxRetriesCap {
		o.MaxRetries = MaxRetriesCap
	}
	if o.TransientBase <= 0 {
		o.TransientBase = defaultTransientBase
	}
	if o.RateLimitBase <= 0 {
		o.RateLimitBase = defaultRateLimitBase
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.Jitter > 1 {
		o.Jitter = 1
	}
	return o
}

var jitterMu sync.Mutex
var jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))

func jitterFloat64() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRng.Float64()
}

// computeBackoff returns base * 2^(attempt-1), capped at max, with +/-
// jitter applied.
func computeBackoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := (jitterFloat64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + j))
		if d < 0 {
			d = 0
		}
		if d > max {
			d = max
		}
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryStats counts recoveries made inside one batch request.
type RetryStats struct {
	RateLimitErrors int
	KeyRotations    int
}

// withRetry drives send until success, retry exhaustion, or a non-retryable
// error. Rate-limit rejections rotate the key pool first (a free attempt, up
// to pool size); auth failures rotate once and then surface.
func withRetry[T any](
	ctx context.Context,
	provider ProviderID,
	o RetryOptions,
	pool *KeyPool,
	rotate bool,
	send func(ctx context.Context, apiKey string) (T, *ProviderError),
) (T, RetryStats, error) {
	o = o.normalized()
	var zero T
	var stats RetryStats
	retries := 0
	freeRotations := 0
	authRotated := false

	for {
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}
		apiKey := pool.Current()
		content, perr := send(ctx, apiKey)
		if perr == nil {
			return content, stats, nil
		}
		// A cancelled context surfaces as such, not as a provider failure.
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}

		var delay time.Duration
		switch perr.Kind {
		case RateLimited:
			stats.RateLimitErrors++
			rotated := false
			if rotate && pool.Size() > 1 && freeRotations < pool.Size() {
				pool.Rotate(apiKey)
				freeRotations++
				stats.KeyRotations++
				rotated = true
				slog.Warn("provider rate-limited request; rotating api key",
					"provider", provider,
					"rejected_key", MaskKey(apiKey),
					"keys", pool.Size(),
				)
			}
			if !rotated {
				retries++
				if retries > o.MaxRetries {
					return zero, stats, perr
				}
			}
			delay = perr.retryAfter
			if delay <= 0 {
				delay = computeBackoff(retries+1, o.RateLimitBase, o.MaxDelay, o.Jitter)
			}
		case Transient:
			retries++
			if retries > o.MaxRetries {
				return zero, stats, perr
			}
			delay = computeBackoff(retries, o.TransientBase, o.MaxDelay, o.Jitter)
		case AuthFailed:
			if rotate && pool.Size() > 1 && !authRotated {
				pool.Rotate(apiKey)
				authRotated = true
				stats.KeyRotations++
				slog.Warn("provider rejected api key; rotating once",
					"provider", provider,
					"rejected_key", MaskKey(apiKey),
				)
				continue
			}
			return zero, stats, perr
		default:
			return zero, stats, perr
		}

		slog.Warn("sleeping before retrying provider request",
			"provider", provider, "retries", retries, "delay", delay, "error", perr)
		if err := sleepWithContext(ctx, delay); err != nil {
			return zero, stats, err
		}
	}
}
