package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"telegram-authbot/internal/infra/storage"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sessions", "42.session")

	if err := storage.AtomicWriteFile(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := storage.AtomicWriteFile(path, []byte("second")); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("content = %q", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}

	// Временные файлы не остаются в каталоге.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1", len(entries))
	}
}

func TestRemoveFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "7.session")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := storage.RemoveFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists: %v", err)
	}
	if err := storage.RemoveFile(path); err != nil {
		t.Fatalf("repeated remove: %v", err)
	}
}

func TestEnsureDirWithoutDir(t *testing.T) {
	t.Parallel()

	if err := storage.EnsureDir("fsm.bbolt"); err != nil {
		t.Fatal(err)
	}
}
