package cache

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each entry as a payload key plus a sibling metadata
// hash, with a per-namespace sorted set as the LRU access index and a
// no-TTL sizes hash as the transactional size accounting. All multi-key
// writes go through a transactional pipeline.
type RedisBackend struct {
	client *redis.Client
	prefix string
	// legacyPrefix covers deployments that wrote keys with the other
	// colon/non-colon prefix form; hits there are migrated on read.
	legacyPrefix string
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func NewRedisBackend(opts RedisOptions) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisBackendWithClient(client, opts.KeyPrefix)
}

func NewRedisBackendWithClient(client *redis.Client, keyPrefix string) *RedisBackend {
	canonical := keyPrefix
	legacy := ""
	if keyPrefix != "" {
		if strings.HasSuffix(keyPrefix, ":") {
			legacy = strings.TrimSuffix(keyPrefix, ":")
		} else {
			canonical = keyPrefix + ":"
			legacy = keyPrefix
		}
	}
	return &RedisBackend{client: client, prefix: canonical, legacyPrefix: legacy}
}

func (r *RedisBackend) payloadKey(ns Namespace, key string) string {
	return r.prefix + string(ns) + ":" + key
}

func (r *RedisBackend) metaKey(ns Namespace, key string) string {
	return r.payloadKey(ns, key) + ":meta"
}

func (r *RedisBackend) lruKey(ns Namespace) string   { return r.prefix + "lru:" + string(ns) }
func (r *RedisBackend) sizesKey(ns Namespace) string { return r.prefix + "sizes:" + string(ns) }

func (r *RedisBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.payloadKey(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r.getLegacy(ctx, ns, key)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	r.touch(ctx, ns, key)
	return value, nil
}

// getLegacy is the read-through migration path for keys written under the
// other prefix form. A hit is rewritten under the canonical prefix and the
// legacy keys are removed.
func (r *RedisBackend) getLegacy(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if r.legacyPrefix == "" || r.legacyPrefix == r.prefix {
		return nil, ErrNotFound
	}
	legacyKey := r.legacyPrefix + string(ns) + ":" + key
	value, err := r.client.Get(ctx, legacyKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	ttl, _ := r.client.TTL(ctx, legacyKey).Result()
	if ttl < 0 {
		ttl = 0
	}
	if err := r.Set(ctx, ns, key, value, ttl); err == nil {
		r.client.Del(ctx, legacyKey, legacyKey+":meta")
	}
	return value, nil
}

func (r *RedisBackend) touch(ctx context.Context, ns Namespace, key string) {
	now := time.Now()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.metaKey(ns, key), "accessed_at", now.UnixNano())
	pipe.ZAdd(ctx, r.lruKey(ns), redis.Z{Score: float64(now.UnixNano()), Member: key})
	_, _ = pipe.Exec(ctx)
}

func (r *RedisBackend) Set(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	newSize := int64(len(value))

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.payloadKey(ns, key), value, ttl)
	metaKey := r.metaKey(ns, key)
	fields := map[string]any{
		"size":        newSize,
		"created_at":  now.UnixNano(),
		"accessed_at": now.UnixNano(),
	}
	if ttl > 0 {
		fields["expires_at"] = now.Add(ttl).UnixNano()
	} else {
		fields["expires_at"] = 0
	}
	pipe.HSet(ctx, metaKey, fields)
	if ttl > 0 {
		pipe.Expire(ctx, metaKey, ttl)
	} else {
		pipe.Persist(ctx, metaKey)
	}
	pipe.ZAdd(ctx, r.lruKey(ns), redis.Z{Score: float64(now.UnixNano()), Member: key})
	pipe.HSet(ctx, r.sizesKey(ns), key, newSize)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("set", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, ns Namespace, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.payloadKey(ns, key), r.metaKey(ns, key))
	pipe.ZRem(ctx, r.lruKey(ns), key)
	pipe.HDel(ctx, r.sizesKey(ns), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("delete", err)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	members, err := r.client.ZRange(ctx, r.lruKey(ns), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list", err)
	}
	var keys []string
	for _, k := range members {
		if pattern != "" {
			if ok, err := path.Match(pattern, k); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisBackend) Size(ctx context.Context, ns Namespace) (int64, error) {
	sizes, err := r.client.HGetAll(ctx, r.sizesKey(ns)).Result()
	if err != nil {
		return 0, storageErr("size", err)
	}
	var total int64
	for _, raw := range sizes {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			total += n
		}
	}
	return total, nil
}

func (r *RedisBackend) Metadata(ctx context.Context, ns Namespace, key string) (Metadata, error) {
	fields, err := r.client.HGetAll(ctx, r.metaKey(ns, key)).Result()
	if err != nil {
		return Metadata{}, storageErr("metadata", err)
	}
	if len(fields) == 0 {
		return Metadata{}, ErrNotFound
	}
	return metaFromFields(fields), nil
}

func (r *RedisBackend) AccessOrder(ctx context.Context, ns Namespace) ([]KeyInfo, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.lruKey(ns), 0, -1).Result()
	if err != nil {
		return nil, storageErr("access-order", err)
	}
	infos := make([]KeyInfo, 0, len(members))
	for _, z := range members {
		key, _ := z.Member.(string)
		size, err := r.client.HGet(ctx, r.sizesKey(ns), key).Int64()
		if err != nil {
			continue
		}
		infos = append(infos, KeyInfo{Key: key, Size: size, AccessedAt: time.Unix(0, int64(z.Score))})
	}
	return infos, nil
}

// Cleanup drops LRU and size-accounting entries whose payloads expired
// through Redis TTLs.
func (r *RedisBackend) Cleanup(ctx context.Context, ns Namespace) error {
	sizes, err := r.client.HGetAll(ctx, r.sizesKey(ns)).Result()
	if err != nil {
		return storageErr("cleanup", err)
	}
	for key := range sizes {
		exists, err := r.client.Exists(ctx, r.payloadKey(ns, key)).Result()
		if err != nil || exists > 0 {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.lruKey(ns), key)
		pipe.HDel(ctx, r.sizesKey(ns), key)
		pipe.Del(ctx, r.metaKey(ns, key))
		_, _ = pipe.Exec(ctx)
	}
	return nil
}

func (r *RedisBackend) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storageErr("health", err)
	}
	return nil
}

func (r *RedisBackend) Close() error { return r.client.Close() }

// TryLock implements the advisory producer lock via SETNX with a TTL.
func (r *RedisBackend) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+"sflock:"+sanitizeLockKey(key), "1", ttl).Result()
	if err != nil {
		return false, storageErr("lock", err)
	}
	return ok, nil
}

func (r *RedisBackend) Unlock(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+"sflock:"+sanitizeLockKey(key)).Err()
}

func sanitizeLockKey(key string) string {
	return strings.ReplaceAll(key, "\x00", ":")
}

func metaFromFields(fields map[string]string) Metadata {
	var meta Metadata
	meta.Size = parseField(fields, "size")
	if v := parseField(fields, "created_at"); v > 0 {
		meta.CreatedAt = time.Unix(0, v)
	}
	if v := parseField(fields, "accessed_at"); v > 0 {
		meta.AccessedAt = time.Unix(0, v)
	}
	if v := parseField(fields, "expires_at"); v > 0 {
		meta.ExpiresAt = time.Unix(0, v)
	}
	return meta
}

func parseField(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}
