package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/errs"
	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/pkg/storage"
)

// blobFetchAttempts bounds the initial "fetch blob bytes" retry before
// surfacing a retryable failure to the worker (spec.md §4.C6 step 1).
const blobFetchAttempts = 3

// Engine runs one job's stage sequence end to end.
type Engine struct {
	storage      storage.Storage
	repo         photo.Repository
	channel      *events.Channel
	stageTimeout time.Duration
	cancelGrace  time.Duration
	source       string
}

// Config bundles Engine's timing knobs (spec.md §4.C7's per-worker settings).
type Config struct {
	StageTimeout time.Duration
	CancelGrace  time.Duration
}

// New builds an Engine bound to the blob store, metadata repository,
// and event channel it reads from and writes to.
func New(store storage.Storage, repo photo.Repository, ch *events.Channel, cfg Config, source string) *Engine {
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Engine{storage: store, repo: repo, channel: ch, stageTimeout: cfg.StageTimeout, cancelGrace: cfg.CancelGrace, source: source}
}

// Run executes pipelineName's stages against the photo identified by
// photoID/blobKey/bucket. The returned error's errs.Kind tells the
// caller (the worker pool) whether to retry: errs.IsRetryable(err)
// means nack-with-backoff; otherwise the job is terminally resolved
// (either completed successfully, or failed permanently) and
// should be acked or dead-lettered, never retried.
func (e *Engine) Run(ctx context.Context, photoID uuid.UUID, blobKey, bucket, pipelineName string) error {
	stages, err := StagesFor(pipelineName)
	if err != nil {
		return errs.StageFatal(err, "unregistered pipeline %q", pipelineName)
	}

	record, err := e.repo.GetByID(ctx, photoID)
	if err != nil {
		return err
	}

	original, err := e.fetchBlobWithRetry(ctx, bucket, blobKey)
	if err != nil {
		return err
	}

	record.TransitionToInProgress()
	if err := e.repo.Update(ctx, record); err != nil {
		return err
	}
	e.emit(ctx, events.TopicPhotoProcessingStarted, record, nil, 2)

	pc := &Context{PhotoID: photoID, BlobKey: blobKey, Bucket: bucket, Record: record, Original: original}

	for i, stageName := range stages {
		handler, ok := Handlers[stageName]
		if !ok {
			return errs.StageFatal(nil, "stage %q has no registered handler", stageName)
		}

		record.SetStageProgress(stageName, photo.StageRunning, 0)

		artifacts, err := e.runStage(ctx, handler, pc, stageName)
		if err != nil {
			if errs.IsRetryable(err) {
				// Covers both a stage that exceeded stage_timeout
				// (errs.Timeout) and one cut short by the worker
				// pool's drain/scale-down (errs.Cancelled) — both are
				// nacked with backoff, no record mutation (spec.md §7,
				// §4.C7).
				return err
			}
			return e.handleFatalStageFailure(ctx, record, stageName, i, err)
		}

		if err := e.writebackArtifacts(ctx, photoID, artifacts, record); err != nil {
			return err
		}

		record.SetStageProgress(stageName, photo.StageDone, 100)
		if err := e.repo.Update(ctx, record); err != nil {
			return err
		}

		progress := (i + 1) * 100 / len(stages)
		e.emit(ctx, events.TopicPhotoProcessingStage, record, map[string]any{"stage": stageName, "progress": progress}, 3+i)
	}

	record.TransitionToCompleted()
	if err := e.repo.Update(ctx, record); err != nil {
		return err
	}
	e.emit(ctx, events.TopicPhotoProcessingCompleted, record, map[string]any{"artifact_count": len(record.Artifacts)}, 3+len(stages))

	return nil
}

// runStage invokes handler with a timeout, honoring stage_timeout and
// the engine's cancel_grace_ms when the parent context is cancelled
// mid-stage.
func (e *Engine) runStage(ctx context.Context, handler StageFunc, pc *Context, stageName string) ([]StageArtifact, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()

	type result struct {
		artifacts []StageArtifact
		err       error
	}
	done := make(chan result, 1)

	go func() {
		artifacts, err := handler(stageCtx, pc)
		done <- result{artifacts: artifacts, err: err}
	}()

	select {
	case r := <-done:
		return r.artifacts, r.err
	case <-stageCtx.Done():
		// A deadline exceeded while the parent ctx is still live is an
		// ordinary stage_timeout (retryable, spec.md §7); a parent ctx
		// already done means the worker pool cancelled us (drain or
		// scale-down), a distinct case handled below.
		deadlineExceeded := stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil

		select {
		case r := <-done:
			return r.artifacts, r.err
		case <-time.After(e.cancelGrace):
			if deadlineExceeded {
				return nil, errs.Timeout("stage %q exceeded stage_timeout and did not unwind within cancel_grace", stageName)
			}
			return nil, errs.Cancelled("stage %q did not unwind within cancel_grace", stageName)
		}
	}
}

func (e *Engine) fetchBlobWithRetry(ctx context.Context, bucket, blobKey string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= blobFetchAttempts; attempt++ {
		reader, err := e.storage.Get(ctx, bucket, blobKey)
		if err == nil {
			defer reader.Close()
			var buf bytes.Buffer
			if _, copyErr := buf.ReadFrom(reader); copyErr != nil {
				lastErr = copyErr
			} else {
				return buf.Bytes(), nil
			}
		} else {
			lastErr = err
			if errs.KindOf(err) == errs.KindNotFound {
				break // absent object will never appear; don't retry
			}
		}

		if attempt < blobFetchAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return nil, errs.Transient(lastErr, "blob fetch failed after %d attempts", blobFetchAttempts)
}

// writebackArtifacts persists each stage artifact under
// artifacts/{photo_id}/{role}, idempotent by blob_key: an artifact
// already present (from a prior attempt) is not rewritten.
func (e *Engine) writebackArtifacts(ctx context.Context, photoID uuid.UUID, artifacts []StageArtifact, record *photo.Record) error {
	for _, a := range artifacts {
		blobKey := fmt.Sprintf("artifacts/%s/%s", photoID, a.Role)

		if _, err := e.storage.Stat(ctx, record.Bucket, blobKey); err == nil {
			continue // already written by a prior attempt at this job
		}

		if _, err := e.storage.Put(ctx, record.Bucket, blobKey, bytes.NewReader(a.Content), storage.PutOptions{ContentType: "image/jpeg"}); err != nil {
			return err
		}
		record.AppendArtifact(photo.Artifact{Role: a.Role, BlobKey: blobKey, Width: a.Width, Height: a.Height, SizeBytes: int64(len(a.Content))})
	}
	return nil
}

func (e *Engine) handleFatalStageFailure(ctx context.Context, record *photo.Record, stageName string, stageIndex int, cause error) error {
	record.SetStageProgress(stageName, photo.StageFailed, 0)
	record.TransitionToFailed(cause.Error())
	if err := e.repo.Update(ctx, record); err != nil {
		log.Error().Err(err).Str("photo_id", record.ID.String()).Msg("pipeline: failed to persist terminal failure state")
	}
	// 3+stageIndex is this stage's own ordinal: every earlier stage
	// already emitted 3..3+stageIndex-1 on completion (see the loop in
	// Run), and this stage never reached its own completed event, so
	// the failure event takes that next, still-ascending slot.
	e.emit(ctx, events.TopicPhotoProcessingFailed, record, map[string]any{"stage": stageName, "error": cause.Error()}, 3+stageIndex)
	return cause // non-retryable: errs.IsRetryable(cause) is false for stage_fatal/validation kinds
}

// emit publishes one processing-lifecycle event. sequence must be the
// event's actual ascending ordinal within the photo's event stream
// (spec.md §8 invariant 2): callers compute it, emit never guesses.
func (e *Engine) emit(ctx context.Context, topic string, record *photo.Record, data map[string]any, sequence int) {
	if data == nil {
		data = map[string]any{}
	}
	data["photo_id"] = record.ID.String()

	sessionID := ""
	if record.SessionID.Valid {
		sessionID = record.SessionID.String
	}

	evt := events.New(topic, data, events.Metadata{
		Source:    e.source,
		ClientID:  record.ClientID,
		SessionID: sessionID,
		PhotoID:   record.ID.String(),
		Sequence:  sequence,
	})

	if err := e.channel.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Str("photo_id", record.ID.String()).Str("topic", topic).
			Msg("pipeline: event publish failed")
	}
}
