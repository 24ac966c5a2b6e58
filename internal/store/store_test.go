package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mujmap/internal/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache"), filepath.Join(dir, "maildir"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestWriteBlobThenPromote(t *testing.T) {
	s := newTestStore(t)
	id, blob := message.ID("M1"), message.BlobID("B1")

	if err := s.WriteBlob(context.Background(), id, blob, strings.NewReader("hello")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), partSuffix) {
			t.Fatalf("partial file %q survived a successful write", e.Name())
		}
	}

	name, err := s.Promote(id, blob, "")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if name != "M1.B1:2," {
		t.Errorf("Promote name = %q, want %q", name, "M1.B1:2,")
	}
	data, err := os.ReadFile(filepath.Join(s.maildirDir, name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("promoted content = %q, want %q", data, "hello")
	}
	if _, err := os.Stat(s.cachePath(id, blob)); !os.IsNotExist(err) {
		t.Errorf("cache file still present after promotion")
	}
}

func TestLookupChecksMaildirBeforeCache(t *testing.T) {
	s := newTestStore(t)
	id, blob := message.ID("M1"), message.BlobID("B1")

	if _, found, err := s.Lookup(id, blob); err != nil || found {
		t.Fatalf("Lookup on empty store: found=%v err=%v", found, err)
	}

	if err := s.WriteBlob(context.Background(), id, blob, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	loc, found, err := s.Lookup(id, blob)
	if err != nil || !found || loc.InMaildir {
		t.Fatalf("Lookup after cache write: loc=%+v found=%v err=%v", loc, found, err)
	}

	if _, err := s.Promote(id, blob, "S"); err != nil {
		t.Fatal(err)
	}
	loc, found, err = s.Lookup(id, blob)
	if err != nil || !found || !loc.InMaildir {
		t.Fatalf("Lookup after promote: loc=%+v found=%v err=%v", loc, found, err)
	}
}

func TestListMaildirSkipsUnmanagedNames(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.maildirDir, "not-a-mujmap-file"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteBlob(context.Background(), "M1", "B1", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Promote("M1", "B1", "S"); err != nil {
		t.Fatal(err)
	}

	files, err := s.ListMaildir()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("ListMaildir returned %d files, want 1", len(files))
	}
	if files[0].ID != "M1" || files[0].BlobID != "B1" || files[0].Flags != "S" {
		t.Errorf("ListMaildir = %+v", files[0])
	}
}
