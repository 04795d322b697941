package fs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

func CloseOrLog(c io.Closer, what string) {
	if err := c.Close(); err != nil {
		slog.Error("failed to close: "+what, "err", err)
	}
}

// WriteFileAtomic writes data to destPath via a temp file in the same
// directory, fsyncs it, and renames it into place. Readers never observe a
// partially written file.
func WriteFileAtomic(destPath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(destPath)
	f, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, destPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ValidatePathWritable validates that path's parent directory exists and is writable.
//
// Behavior:
//   - If the parent directory doesn't exist => error.
//   - If the parent exists but isn't writable => error.
//   - If the file exists => attempts a safe "touch" by opening it with
//     O_WRONLY|O_APPEND (without truncating).
//   - If the file doesn't exist => creates a temporary file in the same
//     directory (never using the final path itself), closes it, and removes it.
func ValidatePathWritable(path string) error {
	if path == "" {
		return errors.New("path is empty")
	}

	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		dir = string(os.PathSeparator)
	}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return fmt.Errorf("stat directory %s: %w", dir, err)
	}
	if !dirInfo.IsDir() {
		return fmt.Errorf("directory is not a directory: %s", dir)
	}

	// If the file already exists, touch it without truncating.
	if fi, err := os.Stat(path); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("path is a directory: %s", path)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return fmt.Errorf("file exists but is not writable: %s: %w", path, err)
		}
		_ = f.Close()
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat path %s: %w", path, err)
	}

	// File doesn't exist. Validate writability by creating a temp file in the same dir.
	f, err := os.CreateTemp(dir, ".lingosub-*.tmp")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("created temp file but failed to remove it (%s): %w", name, err)
	}
	return nil
}

// RenameOrMove renames src => dst.
//
// It prefers os.Rename (atomic within the same filesystem). If the operation
// fails due to a cross-device move (EXDEV), it falls back to copy+sync+remove,
// which works across different filesystems/mounts (e.g. SMB/CIFS/Samba).
func RenameOrMove(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if isCrossDeviceError(err) {
			if err2 := copyFileContentsSync(src, dst); err2 != nil {
				return fmt.Errorf("cross-device move: copy %s -> %s: %w", src, dst, err2)
			}
			if err2 := os.Remove(src); err2 != nil {
				return fmt.Errorf("cross-device move: remove %s: %w", src, err2)
			}
			return nil
		}
		return err
	}
	return nil
}

func copyFileContentsSync(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}

	// Preserve basic permissions (best-effort; some mounts may not support it fully).
	mode := st.Mode() & os.ModePerm

	// Preserve mtime always; atime is best-effort (platform-specific).
	mtime := st.ModTime()
	atime := mtime
	if t, ok := getAtime(st); ok {
		atime = t
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer CloseOrLog(in, src)

	// Create dst with source perms; Chmod after create to avoid umask differences.
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(dst)
		return copyErr
	}
	if syncErr != nil {
		_ = os.Remove(dst)
		return syncErr
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return closeErr
	}

	if err := os.Chmod(dst, mode); err != nil {
		_ = os.Remove(dst)
		return err
	}

	if err := os.Chtimes(dst, atime, mtime); err != nil {
		// Some FS/mounts may not support setting times; treat as best-effort.
		// Keep the file if data copy succeeded.
	}

	return nil
}
