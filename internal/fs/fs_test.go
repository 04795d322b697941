package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_WritesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "blob")

	if err := WriteFileAtomic(p, []byte("first"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(p, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "second" {
		t.Fatalf("unexpected content: %q", b)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file in dir, got %d", len(entries))
	}
}

func TestRenameOrMove_SameDevice(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := RenameOrMove(src, dst); err != nil {
		t.Fatalf("RenameOrMove: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("src still exists")
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "payload" {
		t.Fatalf("dst content mismatch: %q err=%v", b, err)
	}
}

func TestValidatePathWritable(t *testing.T) {
	dir := t.TempDir()
	if err := ValidatePathWritable(filepath.Join(dir, "new.srt")); err != nil {
		t.Fatalf("expected writable, got: %v", err)
	}
	if err := ValidatePathWritable(filepath.Join(dir, "missing", "new.srt")); err == nil {
		t.Fatalf("expected error for missing parent dir")
	}
}
