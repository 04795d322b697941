package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendWithClient(client, "lingosub:")
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBackend_Roundtrip(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NSTranslation, "fp1", []byte("payload"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := b.Get(ctx, NSTranslation, "fp1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "payload" {
		t.Errorf("Get = %q, want \"payload\"", v)
	}

	meta, err := b.Metadata(ctx, NSTranslation, "fp1")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Size != int64(len("payload")) {
		t.Errorf("Size = %d, want %d", meta.Size, len("payload"))
	}

	size, err := b.Size(ctx, NSTranslation)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("payload")) {
		t.Errorf("namespace size = %d, want %d", size, len("payload"))
	}

	if err := b.Delete(ctx, NSTranslation, "fp1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, NSTranslation, "fp1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestRedisBackend_TTLExpiry(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NSPartial, "job", []byte("state"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := b.Get(ctx, NSPartial, "job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after TTL = %v, want ErrNotFound", err)
	}

	// The payload expired server-side; Cleanup drops the index entries.
	if err := b.Cleanup(ctx, NSPartial); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	size, err := b.Size(ctx, NSPartial)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("size after cleanup = %d, want 0", size)
	}
	keys, err := b.List(ctx, NSPartial, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List after cleanup = %v, want empty", keys)
	}
}

func TestRedisBackend_ListPattern(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	for _, key := range []string{"req-1", "req-2", "other"} {
		if err := b.Set(ctx, NSHistory, key, []byte("r"), 0); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	keys, err := b.List(ctx, NSHistory, "req-*")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "req-1" || keys[1] != "req-2" {
		t.Errorf("List = %v, want [req-1 req-2]", keys)
	}
}

func TestRedisBackend_AccessOrder(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NSTranslation, "old", []byte("aa"), 0); err != nil {
		t.Fatalf("Set old: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := b.Set(ctx, NSTranslation, "new", []byte("bb"), 0); err != nil {
		t.Fatalf("Set new: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := b.Get(ctx, NSTranslation, "old"); err != nil {
		t.Fatalf("Get old: %v", err)
	}

	order, err := b.AccessOrder(ctx, NSTranslation)
	if err != nil {
		t.Fatalf("AccessOrder: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("AccessOrder len = %d, want 2", len(order))
	}
	if order[0].Key != "new" || order[1].Key != "old" {
		t.Errorf("order = [%s %s], want [new old]", order[0].Key, order[1].Key)
	}
}

func TestRedisBackend_MigratesLegacyPrefix(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	// A previous deployment wrote keys without the trailing colon.
	mr.Set("lingosubtranslation:fp9", "legacy-value")

	v, err := b.Get(ctx, NSTranslation, "fp9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "legacy-value" {
		t.Errorf("Get = %q, want \"legacy-value\"", v)
	}
	if mr.Exists("lingosubtranslation:fp9") {
		t.Error("legacy key still present after migration")
	}
	if !mr.Exists("lingosub:translation:fp9") {
		t.Error("canonical key missing after migration")
	}
}

func TestRedisBackend_AdvisoryLock(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	ok, err := b.TryLock(ctx, "flight", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = b.TryLock(ctx, "flight", time.Minute)
	if err != nil || ok {
		t.Fatalf("second TryLock = (%v, %v), want (false, nil)", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	ok, err = b.TryLock(ctx, "flight", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock after expiry = (%v, %v), want (true, nil)", ok, err)
	}
	if err := b.Unlock(ctx, "flight"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, err = b.TryLock(ctx, "flight", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock after Unlock = (%v, %v), want (true, nil)", ok, err)
	}
}
