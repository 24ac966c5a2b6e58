package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"mujmap/internal/message"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	x, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestAddAndGet(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	if err := x.Add(ctx, "M1", "B1", "M1.B1:2,", map[string]bool{"inbox": true, "unread": true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entry, ok, err := x.Get(ctx, "M1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	want := map[string]bool{"inbox": true, "unread": true}
	if diff := cmp.Diff(want, entry.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
	if entry.BlobID != "B1" || entry.Filename != "M1.B1:2," {
		t.Errorf("entry = %+v", entry)
	}
}

func TestRevisionAdvancesOnEveryWrite(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	if err := x.Add(ctx, "M1", "B1", "M1.B1:2,", nil); err != nil {
		t.Fatal(err)
	}
	entry1, _, _ := x.Get(ctx, "M1")

	if err := x.SetTags(ctx, "M1", map[string]bool{"important": true}); err != nil {
		t.Fatal(err)
	}
	entry2, _, _ := x.Get(ctx, "M1")

	if entry2.Revision <= entry1.Revision {
		t.Errorf("revision did not advance: %d -> %d", entry1.Revision, entry2.Revision)
	}
}

func TestEnumerateSinceWatermark(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	if err := x.Add(ctx, "M1", "B1", "M1.B1:2,", nil); err != nil {
		t.Fatal(err)
	}
	watermark, err := x.CurrentRevision(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Add(ctx, "M2", "B2", "M2.B2:2,", nil); err != nil {
		t.Fatal(err)
	}

	entries, err := x.EnumerateSince(ctx, watermark)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "M2" {
		t.Errorf("EnumerateSince(%d) = %+v, want only M2", watermark, entries)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	if err := x.Add(ctx, "M1", "B1", "M1.B1:2,", map[string]bool{"inbox": true}); err != nil {
		t.Fatal(err)
	}
	if err := x.Remove(ctx, "M1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := x.Get(ctx, "M1"); err != nil || ok {
		t.Errorf("Get after Remove: ok=%v err=%v", ok, err)
	}
}

func TestQueryByFilenameAndTag(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	if err := x.Add(ctx, "M1", "B1", "M1.B1:2,S", map[string]bool{"inbox": true}); err != nil {
		t.Fatal(err)
	}

	id, ok, err := x.QueryByFilename(ctx, "M1.B1:2,S")
	if err != nil || !ok || id != message.ID("M1") {
		t.Errorf("QueryByFilename: id=%v ok=%v err=%v", id, ok, err)
	}

	ids, err := x.QueryByTag(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != message.ID("M1") {
		t.Errorf("QueryByTag = %v", ids)
	}
}
