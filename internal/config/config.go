package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lingosub/lingosub/internal/cache"
)

const (
	StorageFilesystem = "filesystem"
	StorageRedis      = "redis"
)

const (
	envStorageType = "STORAGE_TYPE"
	envCacheDir    = "CACHE_DIR"

	envCacheLimitTranslation = "CACHE_LIMIT_TRANSLATION"
	envCacheLimitPartial     = "CACHE_LIMIT_PARTIAL"
	envCacheLimitHistory     = "CACHE_LIMIT_HISTORY"

	envRedisHost      = "REDIS_HOST"
	envRedisPort      = "REDIS_PORT"
	envRedisPassword  = "REDIS_PASSWORD"
	envRedisDB        = "REDIS_DB"
	envRedisKeyPrefix = "REDIS_KEY_PREFIX"

	envDefaultMaxOutputTokens = "DEFAULT_MAX_OUTPUT_TOKENS"
	envMaxOutputTokenLimit    = "MAX_OUTPUT_TOKEN_LIMIT"
	envWorkerConcurrency      = "DEFAULT_WORKER_CONCURRENCY"
	envBatchMaxEntries        = "DEFAULT_BATCH_MAX_ENTRIES"
	envContextSize            = "DEFAULT_CONTEXT_SIZE"
)

const (
	DefaultCacheLimitTranslation = int64(1) << 30 // 1 GiB
	DefaultCacheLimitPartial     = int64(256) << 20
	DefaultCacheLimitHistory     = int64(512) << 20

	DefaultMaxOutputTokens = 65536
	MaxOutputTokenLimit    = 200000

	DefaultWorkerConcurrency = 3
	MaxWorkerConcurrency     = 5

	DefaultBatchMaxEntries = 50
	MaxContextSize         = 10

	defaultSessionTTL = 24 * time.Hour
)

// Config is the environment-resolved runtime configuration. CLI flags
// override individual fields after Load.
type Config struct {
	StorageType string
	CacheDir    string

	CacheLimitTranslation int64
	CacheLimitPartial     int64
	CacheLimitHistory     int64

	RedisHost      string
	RedisPort      int
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	MaxOutputTokens   int
	WorkerConcurrency int
	BatchMaxEntries   int
	ContextSize       int
}

// Load resolves the configuration from the environment, applying defaults
// and range validation.
func Load() (*Config, error) {
	c := &Config{
		StorageType:           StorageFilesystem,
		CacheLimitTranslation: DefaultCacheLimitTranslation,
		CacheLimitPartial:     DefaultCacheLimitPartial,
		CacheLimitHistory:     DefaultCacheLimitHistory,
		RedisHost:             "localhost",
		RedisPort:             6379,
		RedisKeyPrefix:        "lingosub:",
		MaxOutputTokens:       DefaultMaxOutputTokens,
		WorkerConcurrency:     DefaultWorkerConcurrency,
		BatchMaxEntries:       DefaultBatchMaxEntries,
	}

	if v, ok := envString(envStorageType); ok {
		c.StorageType = strings.ToLower(v)
	}
	if c.StorageType != StorageFilesystem && c.StorageType != StorageRedis {
		return nil, fmt.Errorf("invalid %s=%q (expected %s or %s)", envStorageType, c.StorageType, StorageFilesystem, StorageRedis)
	}

	if v, ok := envString(envCacheDir); ok {
		c.CacheDir = v
	} else {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.CacheDir = filepath.Join(base, "lingosub")
	}

	var err error
	if c.CacheLimitTranslation, err = envInt64(envCacheLimitTranslation, c.CacheLimitTranslation); err != nil {
		return nil, err
	}
	if c.CacheLimitPartial, err = envInt64(envCacheLimitPartial, c.CacheLimitPartial); err != nil {
		return nil, err
	}
	if c.CacheLimitHistory, err = envInt64(envCacheLimitHistory, c.CacheLimitHistory); err != nil {
		return nil, err
	}

	if v, ok := envString(envRedisHost); ok {
		c.RedisHost = v
	}
	if c.RedisPort, err = envInt(envRedisPort, c.RedisPort); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(envRedisPassword); ok {
		c.RedisPassword = v
	}
	if c.RedisDB, err = envInt(envRedisDB, c.RedisDB); err != nil {
		return nil, err
	}
	if v, ok := envString(envRedisKeyPrefix); ok {
		c.RedisKeyPrefix = v
	}

	if c.MaxOutputTokens, err = envInt(envDefaultMaxOutputTokens, c.MaxOutputTokens); err != nil {
		return nil, err
	}
	limit := MaxOutputTokenLimit
	if limit, err = envInt(envMaxOutputTokenLimit, limit); err != nil {
		return nil, err
	}
	if c.MaxOutputTokens <= 0 || c.MaxOutputTokens > limit {
		return nil, fmt.Errorf("invalid %s=%d (expected 1..%d)", envDefaultMaxOutputTokens, c.MaxOutputTokens, limit)
	}

	if c.WorkerConcurrency, err = envInt(envWorkerConcurrency, c.WorkerConcurrency); err != nil {
		return nil, err
	}
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > MaxWorkerConcurrency {
		return nil, fmt.Errorf("invalid %s=%d (expected 1..%d)", envWorkerConcurrency, c.WorkerConcurrency, MaxWorkerConcurrency)
	}

	if c.BatchMaxEntries, err = envInt(envBatchMaxEntries, c.BatchMaxEntries); err != nil {
		return nil, err
	}
	if c.BatchMaxEntries < 1 {
		return nil, fmt.Errorf("invalid %s=%d (expected >= 1)", envBatchMaxEntries, c.BatchMaxEntries)
	}

	if c.ContextSize, err = envInt(envContextSize, c.ContextSize); err != nil {
		return nil, err
	}
	if c.ContextSize < 0 || c.ContextSize > MaxContextSize {
		return nil, fmt.Errorf("invalid %s=%d (expected 0..%d)", envContextSize, c.ContextSize, MaxContextSize)
	}

	return c, nil
}

// NewBackend builds the storage backend the configuration selects.
func (c *Config) NewBackend() (cache.Backend, error) {
	switch c.StorageType {
	case StorageRedis:
		return cache.NewRedisBackend(cache.RedisOptions{
			Addr:      net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort)),
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
		}), nil
	default:
		return cache.NewFilesystemBackend(c.CacheDir)
	}
}

// NewStore builds the cache store with the configured namespace limits.
func (c *Config) NewStore() (*cache.Store, error) {
	backend, err := c.NewBackend()
	if err != nil {
		return nil, err
	}
	policies := cache.DefaultPolicies(c.CacheLimitTranslation, c.CacheLimitPartial, c.CacheLimitHistory, defaultSessionTTL)
	return cache.NewStore(backend, policies), nil
}

func envString(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func envInt(key string, def int) (int, error) {
	v, ok := envString(key)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q (expected integer): %w", key, v, err)
	}
	return i, nil
}

func envInt64(key string, def int64) (int64, error) {
	v, ok := envString(key)
	if !ok {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q (expected integer): %w", key, v, err)
	}
	return i, nil
}
