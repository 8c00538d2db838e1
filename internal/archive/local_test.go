package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	ctx := context.Background()

	// Put creates intermediate directories as needed.
	key := "batches/b-1/demographics.csv.sz"
	content := []byte("hello world")
	if err := store.Put(ctx, key, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	// Put overwrites an existing object.
	if err := store.Put(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after overwrite failed: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("expected overwritten content, got %q", got)
	}

	// Delete is idempotent.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete of missing object failed: %v", err)
	}

	exists, err = store.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStoreGetMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}

	_, err = store.Get(context.Background(), "nonexistent/object.sz")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStoreList(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	ctx := context.Background()

	objects := map[string][]byte{
		"batches/b-1/a.csv.sz": []byte("aaa"),
		"batches/b-1/b.csv.sz": []byte("bb"),
		"batches/b-2/c.csv.sz": []byte("c"),
	}
	for key, data := range objects {
		if err := store.Put(ctx, key, data); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	listed, err := store.List(ctx, "batches/b-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(listed))
	}
	for _, obj := range listed {
		want, ok := objects[obj.Key]
		if !ok {
			t.Errorf("unexpected key %q", obj.Key)
			continue
		}
		if obj.Size != int64(len(want)) {
			t.Errorf("object %s size = %d, want %d", obj.Key, obj.Size, len(want))
		}
		if obj.Modified.IsZero() {
			t.Errorf("object %s has no modification time", obj.Key)
		}
	}

	all, err := store.List(ctx, "batches")
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 objects under batches, got %d", len(all))
	}

	empty, err := store.List(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("List of missing prefix failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty listing, got %v", empty)
	}
}
