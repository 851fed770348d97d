package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/pipeline"
	"github.com/mwork/photofabric/internal/pkg/storage"
	"github.com/mwork/photofabric/internal/queue"
)

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

func newTestHarness(t *testing.T) (*queue.Queue, *pipeline.Engine, *fakeRepo, storage.Storage) {
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

	q := queue.New(client)
	repo := newFakeRepo()
	engine := pipeline.New(store, repo, ch, pipeline.Config{}, "test")
	return q, engine, repo, store
}

func seedAndEnqueue(t *testing.T, q *queue.Queue, repo *fakeRepo, store storage.Storage, content []byte) *photo.Record {
	t.Helper()

	bucket, blobKey := "photos", "photos/2026-07-30/1/"+uuid.NewString()+".png"
	if _, err := store.Put(context.Background(), bucket, blobKey, bytes.NewReader(content), storage.PutOptions{}); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	record := photo.NewQueued(uuid.New(), blobKey, bucket, int64(len(content)), "image/png", "fixture.png", "deadbeef", "client-1", nil, nil)
	repo.put(record)

	job := queue.Job{PhotoID: record.ID.String(), BlobKey: blobKey, Bucket: bucket, PipelineName: pipeline.PipelineFull}
	if _, err := q.Enqueue(context.Background(), "job:"+record.ID.String(), job, queue.DefaultEnqueueOptions()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return record
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPoolProcessesEnqueuedJobToCompletion(t *testing.T) {
	q, engine, repo, store := newTestHarness(t)
	record := seedAndEnqueue(t, q, repo, store, testPNG(t, 400, 300))

	pool := New(q, engine, Config{Concurrency: 2, PollInterval: 20 * time.Millisecond})
	pool.Start()
	defer pool.Drain(2 * time.Second)

	waitFor(t, 3*time.Second, func() bool {
		updated, err := repo.GetByID(context.Background(), record.ID)
		return err == nil && updated.Status == photo.StatusCompleted
	})

	h := pool.Health()
	if h.ProcessedTotal < 1 {
		t.Fatalf("ProcessedTotal = %d, want >= 1", h.ProcessedTotal)
	}
}

func TestPoolPauseStopsClaiming(t *testing.T) {
	q, engine, repo, store := newTestHarness(t)
	record := seedAndEnqueue(t, q, repo, store, testPNG(t, 200, 200))

	pool := New(q, engine, Config{Concurrency: 1, PollInterval: 20 * time.Millisecond})
	pool.Pause()
	pool.Start()
	defer pool.Drain(2 * time.Second)

	time.Sleep(150 * time.Millisecond)
	updated, _ := repo.GetByID(context.Background(), record.ID)
	if updated.Status == photo.StatusCompleted {
		t.Fatal("paused pool should not have claimed the job")
	}

	pool.Resume()
	waitFor(t, 3*time.Second, func() bool {
		updated, err := repo.GetByID(context.Background(), record.ID)
		return err == nil && updated.Status == photo.StatusCompleted
	})
}

func TestPoolScaleToDrainsExcessConsumers(t *testing.T) {
	q, engine, _, _ := newTestHarness(t)

	pool := New(q, engine, Config{Concurrency: 4, PollInterval: 50 * time.Millisecond})
	pool.Start()
	defer pool.Drain(2 * time.Second)

	if n := len(pool.consumers); n != 4 {
		t.Fatalf("initial consumers = %d, want 4", n)
	}

	pool.ScaleTo(1)
	if n := len(pool.consumers); n != 1 {
		t.Fatalf("after ScaleTo(1) consumers = %d, want 1", n)
	}
}

func TestPoolDrainWaitsForActiveJobThenStops(t *testing.T) {
	q, engine, repo, store := newTestHarness(t)
	seedAndEnqueue(t, q, repo, store, testPNG(t, 200, 200))

	pool := New(q, engine, Config{Concurrency: 1, PollInterval: 20 * time.Millisecond})
	pool.Start()

	pool.Drain(3 * time.Second)

	if got := pool.Lifecycle(); got != LifecycleStopped {
		t.Fatalf("Lifecycle = %q, want stopped", got)
	}
}
