package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newFSBackend(t *testing.T) *FilesystemBackend {
	t.Helper()
	b, err := NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}
	return b
}

func TestFilesystemBackend_Roundtrip(t *testing.T) {
	b := newFSBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NSTranslation, "fp-abc", []byte("payload"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := b.Get(ctx, NSTranslation, "fp-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "payload" {
		t.Errorf("Get = %q, want \"payload\"", v)
	}

	meta, err := b.Metadata(ctx, NSTranslation, "fp-abc")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Size != int64(len("payload")) {
		t.Errorf("Size = %d, want %d", meta.Size, len("payload"))
	}
	if !meta.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero for ttl 0", meta.ExpiresAt)
	}

	if err := b.Delete(ctx, NSTranslation, "fp-abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, NSTranslation, "fp-abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestFilesystemBackend_RejectsUnsafeKeys(t *testing.T) {
	b := newFSBackend(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", ".hidden", "sp ace"} {
		if err := b.Set(ctx, NSTranslation, key, []byte("x"), 0); err == nil {
			t.Errorf("Set(%q) accepted, want error", key)
		}
		if _, err := b.Get(ctx, NSTranslation, key); err == nil {
			t.Errorf("Get(%q) accepted, want error", key)
		}
	}
}

func TestFilesystemBackend_ExpiryAndCleanup(t *testing.T) {
	b := newFSBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NSPartial, "short", []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("Set short: %v", err)
	}
	if err := b.Set(ctx, NSPartial, "long", []byte("y"), time.Hour); err != nil {
		t.Fatalf("Set long: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := b.Get(ctx, NSPartial, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired Get = %v, want ErrNotFound", err)
	}
	if err := b.Cleanup(ctx, NSPartial); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	keys, err := b.List(ctx, NSPartial, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "long" {
		t.Errorf("List after cleanup = %v, want [long]", keys)
	}
}

func TestFilesystemBackend_AccessOrder(t *testing.T) {
	b := newFSBackend(t)
	ctx := context.Background()

	for _, key := range []string{"first", "second"} {
		if err := b.Set(ctx, NSTranslation, key, []byte("1234"), 0); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Reading "first" makes it the most recently used.
	if _, err := b.Get(ctx, NSTranslation, "first"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	order, err := b.AccessOrder(ctx, NSTranslation)
	if err != nil {
		t.Fatalf("AccessOrder: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("AccessOrder len = %d, want 2", len(order))
	}
	if order[0].Key != "second" || order[1].Key != "first" {
		t.Errorf("order = [%s %s], want [second first]", order[0].Key, order[1].Key)
	}
}

func TestFilesystemBackend_NamespacesIsolated(t *testing.T) {
	b := newFSBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NSTranslation, "k", []byte("a"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := b.Get(ctx, NSPartial, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-namespace Get = %v, want ErrNotFound", err)
	}
}
