// Package pipeline implements the Pipeline Engine (C6): an ordered
// sequence of named stages run against one claimed job, with
// per-stage timeouts, idempotent artifact writeback, and a
// recoverable/fatal failure split that the worker pool turns into a
// retry-or-acknowledge decision.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/pkg/imaging"
)

// Stage names recognized by the default registry (spec.md §4.C6).
const (
	StageValidation         = "validation"
	StageMetadataExtraction = "metadata_extraction"
	StageThumbnails         = "thumbnails"
	StageOptimization       = "optimization"
)

// Pipeline names.
const (
	PipelineFull  = "full_processing"
	PipelineQuick = "quick_processing"
)

// Registry maps a pipeline name to its immutable ordered stage list.
var Registry = map[string][]string{
	PipelineFull:  {StageValidation, StageMetadataExtraction, StageThumbnails, StageOptimization},
	PipelineQuick: {StageValidation, StageMetadataExtraction, StageThumbnails},
}

// StagesFor returns the ordered stage list for name, or an error if
// name is not registered.
func StagesFor(name string) ([]string, error) {
	stages, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: unregistered pipeline %q", name)
	}
	return stages, nil
}

// Context is the per-job state threaded through every stage
// invocation: the claimed photo's identity, its decoded image (once
// the validation stage has run), and the accumulated artifacts.
type Context struct {
	PhotoID uuid.UUID
	BlobKey string
	Bucket  string
	Record  *photo.Record

	// Original holds the raw uploaded bytes, populated once by the
	// engine before the first stage runs.
	Original []byte
	// Decoded holds the validation stage's decode result, reused by
	// every later stage so the image is never re-decoded.
	Decoded *imaging.Decoded
}

// StageArtifact is one output a stage wants written back to the blob
// store; the engine performs the write (idempotent by blob_key) and
// records it on the PhotoRecord.
type StageArtifact struct {
	Role    string
	Content []byte
	Width   int
	Height  int
}

// StageFunc is a pure function over a job's Context. It may mutate
// Context to pass derived state to subsequent stages (e.g. Decoded),
// and returns the artifacts it wants persisted under
// artifacts/{photo_id}/{role}.
type StageFunc func(ctx context.Context, pc *Context) ([]StageArtifact, error)

// Handlers is the default stage registry, grounded on the image
// worker's decode/resize/encode pipeline.
var Handlers = map[string]StageFunc{
	StageValidation:         validationStage,
	StageMetadataExtraction: metadataExtractionStage,
	StageThumbnails:         thumbnailsStage,
	StageOptimization:       optimizationStage,
}
