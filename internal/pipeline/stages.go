package pipeline

import (
	"bytes"
	"context"

	"github.com/mwork/photofabric/internal/errs"
	"github.com/mwork/photofabric/internal/pkg/imaging"
)

// validationStage decodes the original bytes and caches the result on
// Context for every later stage. A corrupt or unsupported image is a
// fatal (non-retryable) failure; imaging.Decode already classifies it
// as errs.KindStageFatal.
func validationStage(ctx context.Context, pc *Context) ([]StageArtifact, error) {
	decoded, err := imaging.Decode(bytes.NewReader(pc.Original))
	if err != nil {
		return nil, err
	}
	pc.Decoded = decoded
	return nil, nil
}

// metadataExtractionStage records the decoded image's dimensions and
// MIME type on the PhotoRecord; it produces no blob artifact.
func metadataExtractionStage(ctx context.Context, pc *Context) ([]StageArtifact, error) {
	if pc.Decoded == nil {
		return nil, errs.StageFatal(nil, "metadata_extraction: no decoded image in context")
	}
	pc.Record.MimeType = imaging.MimeType(pc.Decoded.Format)
	return nil, nil
}

// thumbnailsStage renders the default thumbnail ladder (200/400/800px).
func thumbnailsStage(ctx context.Context, pc *Context) ([]StageArtifact, error) {
	if pc.Decoded == nil {
		return nil, errs.StageFatal(nil, "thumbnails: no decoded image in context")
	}

	artifacts := make([]StageArtifact, 0, len(imaging.DefaultThumbnailLadder))
	for _, spec := range imaging.DefaultThumbnailLadder {
		if err := ctx.Err(); err != nil {
			return nil, errs.Cancelled("thumbnails: %v", err)
		}

		content, width, height, err := imaging.Thumbnail(pc.Decoded, spec, 85)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, StageArtifact{Role: spec.Role, Content: content, Width: width, Height: height})
	}
	return artifacts, nil
}

// optimizationStage re-encodes the original, fit within the default
// bounds, as the web-served "optimized" artifact.
func optimizationStage(ctx context.Context, pc *Context) ([]StageArtifact, error) {
	if pc.Decoded == nil {
		return nil, errs.StageFatal(nil, "optimization: no decoded image in context")
	}

	content, width, height, err := imaging.Optimize(pc.Decoded, imaging.DefaultOptimizeConfig())
	if err != nil {
		return nil, err
	}
	return []StageArtifact{{Role: "optimized", Content: content, Width: width, Height: height}}, nil
}
