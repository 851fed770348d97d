package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/pkg/storage"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*photo.Record
}

func newFakeRepo() *fakeRepo { return &fakeRepo{records: map[uuid.UUID]*photo.Record{}} }

func (f *fakeRepo) put(r *photo.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
}

func (f *fakeRepo) Create(ctx context.Context, r *photo.Record) error { f.put(r); return nil }

func (f *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*photo.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, errNotFound{}
	}
	return r, nil
}

func (f *fakeRepo) Update(ctx context.Context, r *photo.Record) error { f.put(r); return nil }
func (f *fakeRepo) Delete(ctx context.Context, id uuid.UUID) error   { return nil }
func (f *fakeRepo) List(ctx context.Context, filter photo.ListFilter) ([]*photo.Record, error) {
	return nil, nil
}
func (f *fakeRepo) Count(ctx context.Context, filter photo.ListFilter) (int, error) { return 0, nil }
func (f *fakeRepo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error     { return fn(nil) }

type errNotFound struct{}

func (errNotFound) Error() string { return "fake repo: photo not found" }

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture png: %v", err)
	}
	return buf.Bytes()
}

func newTestEngine(t *testing.T) (*Engine, *fakeRepo, storage.Storage) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir, "http://local.test")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ch := events.NewChannel(events.NewRedisTransport(client), "test")
	t.Cleanup(ch.Close)

	repo := newFakeRepo()
	engine := New(store, repo, ch, Config{}, "test")
	return engine, repo, store
}

func seedRecord(t *testing.T, repo *fakeRepo, store storage.Storage, bucket, blobKey string, content []byte) *photo.Record {
	t.Helper()

	if _, err := store.Put(context.Background(), bucket, blobKey, bytes.NewReader(content), storage.PutOptions{}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	record := photo.NewQueued(uuid.New(), blobKey, bucket, int64(len(content)), "image/png", "fixture.png", "deadbeef", "client-1", nil, nil)
	repo.put(record)
	return record
}

func TestEngineRunFullPipelineSucceeds(t *testing.T) {
	engine, repo, store := newTestEngine(t)

	record := seedRecord(t, repo, store, "photos", "photos/2026-07-30/1/p1_fixture.png", testPNG(t, 1600, 1200))

	err := engine.Run(context.Background(), record.ID, record.BlobKey, record.Bucket, PipelineFull)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, _ := repo.GetByID(context.Background(), record.ID)
	if updated.Status != photo.StatusCompleted {
		t.Fatalf("Status = %q, want completed", updated.Status)
	}
	if len(updated.Artifacts) != 4 { // 3 thumbnails + optimized
		t.Fatalf("len(Artifacts) = %d, want 4", len(updated.Artifacts))
	}
	if !updated.AllStagesDone(Registry[PipelineFull]) {
		t.Fatal("not every stage marked done")
	}
}

func TestEngineRunQuickPipelineOmitsOptimization(t *testing.T) {
	engine, repo, store := newTestEngine(t)

	record := seedRecord(t, repo, store, "photos", "photos/2026-07-30/1/p2_fixture.png", testPNG(t, 800, 600))

	if err := engine.Run(context.Background(), record.ID, record.BlobKey, record.Bucket, PipelineQuick); err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, _ := repo.GetByID(context.Background(), record.ID)
	for _, a := range updated.Artifacts {
		if a.Role == "optimized" {
			t.Fatal("quick_processing should not produce an optimized artifact")
		}
	}
	if len(updated.Artifacts) != 3 {
		t.Fatalf("len(Artifacts) = %d, want 3", len(updated.Artifacts))
	}
}

func TestEngineRunFatalDecodeFailureMarksRecordFailed(t *testing.T) {
	engine, repo, store := newTestEngine(t)

	record := seedRecord(t, repo, store, "photos", "photos/2026-07-30/1/p3_fixture.bin", []byte("not an image"))

	err := engine.Run(context.Background(), record.ID, record.BlobKey, record.Bucket, PipelineFull)
	if err == nil {
		t.Fatal("expected a fatal decode error")
	}

	updated, _ := repo.GetByID(context.Background(), record.ID)
	if updated.Status != photo.StatusFailed {
		t.Fatalf("Status = %q, want failed", updated.Status)
	}
	if !updated.Error.Valid || updated.Error.String == "" {
		t.Fatal("expected an error reason to be recorded")
	}
}

func TestEngineArtifactWritebackIsIdempotent(t *testing.T) {
	engine, repo, store := newTestEngine(t)

	record := seedRecord(t, repo, store, "photos", "photos/2026-07-30/1/p4_fixture.png", testPNG(t, 1600, 1200))

	if err := engine.Run(context.Background(), record.ID, record.BlobKey, record.Bucket, PipelineFull); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A retried attempt at the same job must not rewrite an artifact
	// that already exists at its idempotency key (blob_key). Plant a
	// sentinel at one artifact's key, reset the record to re-enter the
	// thumbnails stage, and confirm the sentinel survives the rerun.
	thumbKey := "artifacts/" + record.ID.String() + "/thumb_200"
	sentinel := []byte("sentinel-bytes-from-a-prior-attempt")
	if _, err := store.Put(context.Background(), record.Bucket, thumbKey, bytes.NewReader(sentinel), storage.PutOptions{}); err != nil {
		t.Fatalf("plant sentinel: %v", err)
	}

	reset, _ := repo.GetByID(context.Background(), record.ID)
	reset.Status = photo.StatusQueued
	reset.StageProgress = map[string]photo.StageProgress{}
	reset.Artifacts = nil
	repo.put(reset)

	if err := engine.Run(context.Background(), record.ID, record.BlobKey, record.Bucket, PipelineFull); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	rc, err := store.Get(context.Background(), record.Bucket, thumbKey)
	if err != nil {
		t.Fatalf("Get thumb_200 after replay: %v", err)
	}
	defer rc.Close()
	var got bytes.Buffer
	got.ReadFrom(rc)
	if got.String() != string(sentinel) {
		t.Fatal("artifact writeback rewrote a blob that already existed at its idempotency key")
	}
}
