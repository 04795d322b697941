package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lingosub/lingosub/internal/fs"
)

const (
	blobExt = ".blob"
	metaExt = ".meta"
)

var safeKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FilesystemBackend stores one <key>.blob plus one <key>.meta sidecar per
// entry under <baseDir>/<namespace>/. Blob writes go through a temp file,
// fsync and atomic rename.
type FilesystemBackend struct {
	baseDir string
}

func NewFilesystemBackend(baseDir string) (*FilesystemBackend, error) {
	abs, err := fs.ResolveAbsPath(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	for _, ns := range Namespaces {
		if err := os.MkdirAll(filepath.Join(abs, string(ns)), 0o755); err != nil {
			return nil, fmt.Errorf("create namespace dir: %w", err)
		}
	}
	return &FilesystemBackend{baseDir: abs}, nil
}

// entryPaths validates the key and maps it to its blob/meta paths. Keys that
// would escape the namespace directory are rejected.
func (f *FilesystemBackend) entryPaths(ns Namespace, key string) (blob, meta string, err error) {
	if !safeKeyPattern.MatchString(key) {
		return "", "", fmt.Errorf("invalid cache key %q", key)
	}
	nsDir := filepath.Join(f.baseDir, string(ns))
	blob = filepath.Join(nsDir, key+blobExt)
	resolved, err := fs.ResolveAbsPath(blob)
	if err != nil {
		return "", "", err
	}
	if !strings.HasPrefix(resolved, nsDir+string(os.PathSeparator)) {
		return "", "", fmt.Errorf("cache key %q escapes namespace directory", key)
	}
	return blob, strings.TrimSuffix(blob, blobExt) + metaExt, nil
}

func (f *FilesystemBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	blob, metaPath, err := f.entryPaths(ns, key)
	if err != nil {
		return nil, err
	}
	meta, err := readMetaFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get", err)
	}
	now := time.Now()
	if meta.expired(now) {
		f.removePair(blob, metaPath)
		return nil, ErrNotFound
	}
	value, err := os.ReadFile(blob)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Orphaned meta; remove it so accounting stays honest.
			_ = os.Remove(metaPath)
			return nil, ErrNotFound
		}
		return nil, storageErr("get", err)
	}
	meta.AccessedAt = now
	_ = writeMetaFile(metaPath, meta) // access-time touch is best-effort
	return value, nil
}

func (f *FilesystemBackend) Set(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	blob, metaPath, err := f.entryPaths(ns, key)
	if err != nil {
		return err
	}
	now := time.Now()
	meta := Metadata{Size: int64(len(value)), CreatedAt: now, AccessedAt: now}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl)
	}
	if err := fs.WriteFileAtomic(blob, value, 0o644); err != nil {
		return storageErr("set", err)
	}
	if err := writeMetaFile(metaPath, meta); err != nil {
		// Do not leave a payload without accounting metadata.
		_ = os.Remove(blob)
		return storageErr("set", err)
	}
	return nil
}

func (f *FilesystemBackend) Delete(ctx context.Context, ns Namespace, key string) error {
	blob, metaPath, err := f.entryPaths(ns, key)
	if err != nil {
		return err
	}
	f.removePair(blob, metaPath)
	return nil
}

// removePair removes payload and metadata together; a half-deleted entry is
// never left behind (the meta goes last so Get can detect orphans).
func (f *FilesystemBackend) removePair(blob, metaPath string) {
	_ = os.Remove(blob)
	_ = os.Remove(metaPath)
}

func (f *FilesystemBackend) List(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.baseDir, string(ns)))
	if err != nil {
		return nil, storageErr("list", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, blobExt) {
			continue
		}
		key := strings.TrimSuffix(name, blobExt)
		if pattern != "" {
			if ok, err := path.Match(pattern, key); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FilesystemBackend) Size(ctx context.Context, ns Namespace) (int64, error) {
	infos, err := f.AccessOrder(ctx, ns)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, info := range infos {
		total += info.Size
	}
	return total, nil
}

func (f *FilesystemBackend) Metadata(ctx context.Context, ns Namespace, key string) (Metadata, error) {
	_, metaPath, err := f.entryPaths(ns, key)
	if err != nil {
		return Metadata{}, err
	}
	meta, err := readMetaFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, storageErr("metadata", err)
	}
	if meta.expired(time.Now()) {
		return Metadata{}, ErrNotFound
	}
	return meta, nil
}

func (f *FilesystemBackend) AccessOrder(ctx context.Context, ns Namespace) ([]KeyInfo, error) {
	nsDir := filepath.Join(f.baseDir, string(ns))
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		return nil, storageErr("access-order", err)
	}
	now := time.Now()
	var infos []KeyInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaExt) {
			continue
		}
		meta, err := readMetaFile(filepath.Join(nsDir, name))
		if err != nil || meta.expired(now) {
			continue
		}
		infos = append(infos, KeyInfo{
			Key:        strings.TrimSuffix(name, metaExt),
			Size:       meta.Size,
			AccessedAt: meta.AccessedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccessedAt.Before(infos[j].AccessedAt) })
	return infos, nil
}

func (f *FilesystemBackend) Cleanup(ctx context.Context, ns Namespace) error {
	nsDir := filepath.Join(f.baseDir, string(ns))
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		return storageErr("cleanup", err)
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaExt) {
			continue
		}
		metaPath := filepath.Join(nsDir, name)
		meta, err := readMetaFile(metaPath)
		if err != nil {
			continue
		}
		if meta.expired(now) {
			f.removePair(strings.TrimSuffix(metaPath, metaExt)+blobExt, metaPath)
		}
	}
	return nil
}

func (f *FilesystemBackend) HealthCheck(ctx context.Context) error {
	probe, err := os.CreateTemp(f.baseDir, ".health-*")
	if err != nil {
		return storageErr("health", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func (f *FilesystemBackend) Close() error { return nil }

func readMetaFile(path string) (Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func writeMetaFile(path string, meta Metadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(path, b, 0o644)
}
