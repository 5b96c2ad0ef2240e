package photo

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestSniff(t *testing.T) {
	if _, err := Sniff(nil, 0); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Sniff([]byte("hello world"), 0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := Sniff(pngHeader, 4); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	contentType, err := Sniff(pngHeader, 0)
	if err != nil || contentType != "image/png" {
		t.Fatalf("expected png, got %q %v", contentType, err)
	}
}

func TestFSStorePut(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	ref, err := store.Put(context.Background(), "user-1", pngHeader)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.Contains(ref, "/user-1/") || !strings.HasSuffix(ref, ".png") {
		t.Fatalf("unexpected ref %s", ref)
	}
	data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if len(data) != len(pngHeader) {
		t.Fatalf("unexpected file size %d", len(data))
	}
}

func TestFSStoreRejectsPathLikeUserIDs(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	for _, userID := range []string{"", ".", "..", "../user-1", "x/b", `x\b`} {
		if _, err := store.Put(context.Background(), userID, pngHeader); !errors.Is(err, ErrInvalidUser) {
			t.Fatalf("%q: expected ErrInvalidUser, got %v", userID, err)
		}
	}
	if _, err := store.Put(context.Background(), "b", pngHeader); err != nil {
		t.Fatalf("plain id rejected: %v", err)
	}
}

func TestFSStoreDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, 1<<20)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	ref, err := store.Put(context.Background(), "user-1", pngHeader)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Delete(context.Background(), ref); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := os.Stat(strings.TrimPrefix(ref, "file://")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file removed, got %v", err)
	}
	if err := store.Delete(context.Background(), ref); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if err := store.Delete(context.Background(), "file:///etc/passwd"); !errors.Is(err, ErrForeignRef) {
		t.Fatalf("expected ErrForeignRef, got %v", err)
	}
	if err := store.Delete(context.Background(), "s3://bucket/x.png"); !errors.Is(err, ErrForeignRef) {
		t.Fatalf("expected ErrForeignRef, got %v", err)
	}
}
