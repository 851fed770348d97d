package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/fabric"
	"github.com/mwork/photofabric/internal/queue"
)

func TestCollectReportsQueueDepthAndFabricConnections(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := queue.New(client)
	job := queue.Job{PhotoID: "photo-1", BlobKey: "k", Bucket: "b", PipelineName: "full_processing"}
	if _, err := q.Enqueue(context.Background(), "job:1", job, queue.DefaultEnqueueOptions()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ch := events.NewChannel(events.NewRedisTransport(client), "test")
	defer ch.Close()

	router := fabric.NewRouter(ch)
	c := fabric.NewClient("conn-1")
	router.Register(c)

	reg := prometheus.NewRegistry()
	agg := New(q, nil, router, ch, reg)

	tree := agg.Collect(context.Background())
	if tree.Queue.Waiting != 1 {
		t.Fatalf("Queue.Waiting = %d, want 1", tree.Queue.Waiting)
	}
	if tree.Fabric.Connections != 1 {
		t.Fatalf("Fabric.Connections = %d, want 1", tree.Fabric.Connections)
	}

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(metrics) == 0 {
		t.Fatal("expected registered Prometheus metrics")
	}
}
