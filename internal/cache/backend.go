package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Namespace selects one of the logical stores. Each namespace has its own
// size limit, TTL policy and eviction behavior; keys never cross namespaces.
type Namespace string

const (
	NSTranslation Namespace = "translation"
	NSPartial     Namespace = "partial"
	NSHistory     Namespace = "history"
	NSSession     Namespace = "session"
)

// Namespaces lists every known namespace, used by backends that need to
// pre-create per-namespace structures.
var Namespaces = []Namespace{NSTranslation, NSPartial, NSHistory, NSSession}

// ErrNotFound is returned by Get and Metadata for absent or expired keys.
var ErrNotFound = errors.New("cache: key not found")

// StorageError wraps a backing-store failure. The orchestrator treats these
// as a degraded-mode signal rather than a pipeline failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("cache storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err indicates the backing store failed
// (as opposed to a plain miss).
func IsUnavailable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Metadata describes a stored value without its payload.
type Metadata struct {
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

func (m Metadata) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// KeyInfo is one element of an access-order listing, oldest first.
type KeyInfo struct {
	Key        string
	Size       int64
	AccessedAt time.Time
}

// Backend is the pluggable storage contract. Values are opaque byte blobs;
// a payload and its metadata are always written and removed together.
// ttl == 0 means no expiry.
type Backend interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	Set(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, ns Namespace, key string) error
	List(ctx context.Context, ns Namespace, pattern string) ([]string, error)
	Size(ctx context.Context, ns Namespace) (int64, error)
	Metadata(ctx context.Context, ns Namespace, key string) (Metadata, error)

	// AccessOrder returns the namespace's keys sorted by last access,
	// oldest first. It feeds LRU eviction.
	AccessOrder(ctx context.Context, ns Namespace) ([]KeyInfo, error)

	// Cleanup removes expired entries and repairs size accounting.
	Cleanup(ctx context.Context, ns Namespace) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// AdvisoryLocker is an optional backend capability used for best-effort
// cross-process coalescing of identical work. The in-process single-flight
// guarantee does not depend on it.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
