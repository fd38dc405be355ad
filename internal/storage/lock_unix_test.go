//go:build unix

package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreBusy(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)

	// A second open file description contends like another process would.
	holder, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	if err := tryLock(holder, true); err != nil {
		t.Fatalf("holding lock: %v", err)
	}

	err = db.Read(context.Background(), func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, ErrStoreBusy) {
		t.Errorf("read under exclusive lock: expected ErrStoreBusy, got %v", err)
	}
	err = db.Write(context.Background(), func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, ErrStoreBusy) {
		t.Errorf("write under exclusive lock: expected ErrStoreBusy, got %v", err)
	}

	if err := unlock(holder); err != nil {
		t.Fatal(err)
	}
	if err := db.Write(context.Background(), func(tx *sql.Tx) error { return nil }); err != nil {
		t.Errorf("write after release: %v", err)
	}
}

func TestSharedReadersCoexist(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)

	reader, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if err := tryLock(reader, false); err != nil {
		t.Fatal(err)
	}
	defer unlock(reader)

	if err := db.Read(context.Background(), func(tx *sql.Tx) error { return nil }); err != nil {
		t.Errorf("shared lock should admit another reader: %v", err)
	}
}
