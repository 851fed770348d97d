package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestLocalStoragePutGetStatRemove(t *testing.T) {
	t.Parallel()

	st, err := NewLocalStorage(t.TempDir(), "http://localhost/media")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	ctx := context.Background()
	bucket := "photos"
	key := "2026/07/30/abc123.jpg"
	content := []byte("fake-jpeg-bytes")

	if _, err := st.Put(ctx, bucket, key, bytes.NewReader(content), PutOptions{ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := st.Get(ctx, bucket, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content = %q, want %q", got, content)
	}

	info, err := st.Stat(ctx, bucket, key)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Fatalf("Size = %d, want %d", info.Size, len(content))
	}

	if err := st.Remove(ctx, bucket, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := st.Remove(ctx, bucket, key); err != nil {
		t.Fatalf("Remove of absent key should be idempotent, got: %v", err)
	}

	if _, err := st.Get(ctx, bucket, key); err == nil {
		t.Fatalf("Get after Remove should fail")
	}
}

func TestLocalStorageList(t *testing.T) {
	t.Parallel()

	st, err := NewLocalStorage(t.TempDir(), "http://localhost/media")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	ctx := context.Background()
	bucket := "photos"
	for _, key := range []string{"2026/a.jpg", "2026/b.jpg", "2025/c.jpg"} {
		if _, err := st.Put(ctx, bucket, key, bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	objs, err := st.List(ctx, bucket, "2026/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("List returned %d objects, want 2", len(objs))
	}
}

func TestLocalStoragePresignedURL(t *testing.T) {
	t.Parallel()

	st, err := NewLocalStorage(t.TempDir(), "http://localhost/media")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	url, err := st.PresignedURL(context.Background(), MethodGet, "photos", "k.jpg", 0)
	if err != nil {
		t.Fatalf("PresignedURL: %v", err)
	}
	if want := "http://localhost/media/photos/k.jpg"; url != want {
		t.Fatalf("PresignedURL = %q, want %q", url, want)
	}
}
