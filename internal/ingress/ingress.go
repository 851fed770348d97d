// Package ingress implements the Ingress Coordinator (C5): the
// write-ahead blob write, metadata insert, job enqueue, and event
// publish sequence that admits one uploaded photo into the system.
package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/errs"
	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/middleware"
	"github.com/mwork/photofabric/internal/pkg/storage"
	"github.com/mwork/photofabric/internal/queue"
)

// Buckets names the size/type-derived bucket set ingress writes into.
type Buckets struct {
	Default string // ordinary images
	Large   string // images over LargeImageThreshold
	Video   string
}

// DefaultLargeImageThreshold matches spec.md §4.C5's "size>10 MiB images → large-image bucket".
const DefaultLargeImageThreshold = 10 * 1024 * 1024

// DefaultPipeline is the pipeline every upload is enqueued against
// unless the caller requests otherwise.
const DefaultPipeline = "full_processing"

// UploadInput is the ingress coordinator's single entry point payload,
// spec.md §4.C5 "Inputs".
type UploadInput struct {
	Bytes          []byte
	OriginalName   string
	ContentType    string // optional; sniffed unconditionally and cross-checked if given
	ClientID       string
	SessionID      string
	UserID         string
	ExtraMetadata  map[string]string
	PipelineName   string // defaults to DefaultPipeline
	Priority       int    // defaults to 5
}

// Coordinator runs the C5 admission algorithm.
type Coordinator struct {
	storage storage.Storage
	repo    photo.Repository
	queue   *queue.Queue
	channel *events.Channel
	buckets Buckets
	source  string
}

// New builds an ingress Coordinator.
func New(store storage.Storage, repo photo.Repository, q *queue.Queue, ch *events.Channel, buckets Buckets, source string) *Coordinator {
	return &Coordinator{storage: store, repo: repo, queue: q, channel: ch, buckets: buckets, source: source}
}

// Upload runs the full C5 algorithm and returns the created record.
// It returns once the job enqueue succeeds (step 6); event publication
// is fire-and-forget beyond that point.
func (c *Coordinator) Upload(ctx context.Context, in UploadInput) (*photo.Record, error) {
	effectiveContentType, err := validate(in)
	if err != nil {
		return nil, err
	}
	in.ContentType = effectiveContentType

	photoID := uuid.New()
	checksum := sha256Hex(in.Bytes)
	bucket := c.deriveBucket(in.ContentType, len(in.Bytes))
	blobKey := buildBlobKey(photoID, in.OriginalName)

	if err := c.writeAheadBlob(ctx, bucket, blobKey, in); err != nil {
		return nil, err
	}

	record := c.buildRecord(photoID, blobKey, bucket, checksum, in)
	if err := c.repo.Create(ctx, record); err != nil {
		c.compensateBlob(bucket, blobKey)
		return nil, err
	}

	if err := c.enqueueJob(ctx, record, in); err != nil {
		return nil, err
	}

	c.publishUploaded(ctx, record)

	return record, nil
}

func (c *Coordinator) writeAheadBlob(ctx context.Context, bucket, blobKey string, in UploadInput) error {
	_, err := c.storage.Put(ctx, bucket, blobKey, bytes.NewReader(in.Bytes), storage.PutOptions{
		ContentType: in.ContentType,
		Metadata:    in.ExtraMetadata,
	})
	if err != nil {
		return err
	}
	return nil
}

// compensateBlob best-effort deletes an orphaned blob after a failed
// metadata insert. Failure here is logged, not surfaced: the orphan is
// reclaimable by a later consistency sweep (spec.md §4.C5).
func (c *Coordinator) compensateBlob(bucket, blobKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.storage.Remove(ctx, bucket, blobKey); err != nil {
		log.Warn().Err(err).Str("bucket", bucket).Str("blob_key", blobKey).
			Msg("ingress: compensating blob delete failed, orphan left for sweeper")
	}
}

func (c *Coordinator) buildRecord(photoID uuid.UUID, blobKey, bucket, checksum string, in UploadInput) *photo.Record {
	var sessionID, userID *string
	if in.SessionID != "" {
		sessionID = &in.SessionID
	}
	if in.UserID != "" {
		userID = &in.UserID
	}
	return photo.NewQueued(photoID, blobKey, bucket, int64(len(in.Bytes)), in.ContentType, in.OriginalName, checksum, in.ClientID, sessionID, userID)
}

// enqueueJobAttempts bounds the enqueue retry once the metadata row
// already exists: the write-ahead blob and record are committed, so a
// failed enqueue here must not surface as a lost upload (spec.md
// §4.C5 step 6 "retried with exponential backoff").
const enqueueJobAttempts = 4

// enqueueJob enqueues with a deterministic job_id so a retried ingress
// call (e.g. after a client timeout) never double-enqueues the same
// photo (spec.md §4.C5 step 6).
func (c *Coordinator) enqueueJob(ctx context.Context, record *photo.Record, in UploadInput) error {
	pipelineName := in.PipelineName
	if pipelineName == "" {
		pipelineName = DefaultPipeline
	}
	priority := in.Priority
	if priority == 0 {
		priority = 5
	}

	jobID := JobIDForPhoto(record.ID)
	job := queue.Job{
		PhotoID:      record.ID.String(),
		BlobKey:      record.BlobKey,
		Bucket:       record.Bucket,
		PipelineName: pipelineName,
		TraceID:      traceIDFromContext(ctx),
	}
	opts := queue.EnqueueOptions{Priority: priority, MaxAttempts: 3, Backoff: queue.DefaultBackoff(), LeaseMS: 60_000}

	var lastErr error
	for attempt := 1; attempt <= enqueueJobAttempts; attempt++ {
		if _, err := c.queue.Enqueue(ctx, jobID, job, opts); err != nil {
			lastErr = err
			if attempt < enqueueJobAttempts {
				time.Sleep(time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond)
			}
			continue
		}
		return nil
	}
	return errs.Wrap(errs.KindTransient, "enqueue processing job", lastErr)
}

func (c *Coordinator) publishUploaded(ctx context.Context, record *photo.Record) {
	sessionID := ""
	if record.SessionID.Valid {
		sessionID = record.SessionID.String
	}

	evt := events.New(events.TopicPhotoUploaded, map[string]any{
		"photo_id": record.ID.String(),
		"blob_key": record.BlobKey,
		"bucket":   record.Bucket,
	}, events.Metadata{
		Source:    c.source,
		TraceID:   traceIDFromContext(ctx),
		ClientID:  record.ClientID,
		SessionID: sessionID,
		PhotoID:   record.ID.String(),
		Sequence:  1,
	})

	if err := c.channel.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Str("photo_id", record.ID.String()).
			Msg("ingress: photo.uploaded publish failed, queue entry still guarantees processing")
	}
}

// JobIDForPhoto is the deterministic idempotency key the ingress
// coordinator enqueues under (spec.md §4.C5 step 6).
func JobIDForPhoto(photoID uuid.UUID) string {
	return fmt.Sprintf("photo:%s", photoID)
}

func (c *Coordinator) deriveBucket(contentType string, size int) string {
	if isVideoMime(contentType) {
		return c.buckets.Video
	}
	if size > DefaultLargeImageThreshold {
		return c.buckets.Large
	}
	return c.buckets.Default
}

func buildBlobKey(photoID uuid.UUID, originalName string) string {
	day := time.Now().UTC().Format("2006-01-02")
	ms := time.Now().UnixMilli()
	return fmt.Sprintf("photos/%s/%d/%s_%s", day, ms, photoID, sanitizeFilename(originalName))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func traceIDFromContext(ctx context.Context) string {
	if id := middleware.GetRequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
