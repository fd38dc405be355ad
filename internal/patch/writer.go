package patch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// atomicWriter writes a file through a sibling temporary file and a rename,
// so readers see either the old content or the new, never a partial write.
type atomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

func newAtomicWriter(path string, perm os.FileMode) (*atomicWriter, error) {
	tempPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &atomicWriter{path: path, tempFile: f, tempPath: tempPath}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the target.
func (w *atomicWriter) Commit(perm os.FileMode) error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	// Chmod after create so the umask does not narrow a restored mode.
	if err := w.tempFile.Chmod(perm); err != nil {
		w.Abort()
		return fmt.Errorf("chmod: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("rename: %w", err)
	}
	syncDir(filepath.Dir(w.path))
	return nil
}

// Abort discards the temporary file.
func (w *atomicWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	w, err := newAtomicWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit(perm)
}

// syncDir flushes a directory entry change. Not every platform supports
// syncing a directory handle, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
