// Package imaging provides the pure image-decoding and resizing
// helpers the pipeline engine's thumbnails and optimization stages
// call into. It holds no state tied to a photo or a job; every
// function is a plain transform of bytes or a decoded image.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/disintegration/imaging"

	"github.com/mwork/photofabric/internal/errs"
)

// Decoded holds a decoded image plus the format disintegration/imaging
// detected it as, so later stages can re-encode consistently.
type Decoded struct {
	Image  image.Image
	Format string
	Width  int
	Height int
}

// Decode reads and decodes an image, failing with errs.KindStageFatal
// on corrupt or unsupported bytes (the validation stage's contract).
func Decode(r io.Reader) (*Decoded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "read image bytes", err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.KindStageFatal, "decode image", err)
	}

	return &Decoded{
		Image:  img,
		Format: format,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}, nil
}

// MimeType maps a decoded format to its MIME type for artifact metadata.
func MimeType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Encode serializes img in format at the given JPEG quality (ignored
// for non-JPEG formats). Formats other than jpeg/png fall back to jpeg.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encode png", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encode jpeg", err)
		}
	}

	return buf.Bytes(), nil
}

// ThumbnailSpec names one rung of the thumbnail ladder the thumbnails
// stage produces: a role tag used as the artifact's blob_key suffix,
// and the target square/fit box.
type ThumbnailSpec struct {
	Role   string
	Width  int
	Height int
}

// DefaultThumbnailLadder is the thumbnails stage's fixed set of sizes,
// center-cropped to a fixed aspect box per rung.
var DefaultThumbnailLadder = []ThumbnailSpec{
	{Role: "thumb_200", Width: 200, Height: 200},
	{Role: "thumb_400", Width: 400, Height: 400},
	{Role: "thumb_800", Width: 800, Height: 800},
}

// Thumbnail returns a center-cropped, Lanczos-resampled JPEG at the
// given box, encoded at quality.
func Thumbnail(decoded *Decoded, spec ThumbnailSpec, quality int) ([]byte, int, int, error) {
	cropped := imaging.Fill(decoded.Image, spec.Width, spec.Height, imaging.Center, imaging.Lanczos)
	encoded, err := Encode(cropped, "jpeg", quality)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("thumbnail %s: %w", spec.Role, err)
	}
	return encoded, cropped.Bounds().Dx(), cropped.Bounds().Dy(), nil
}

// OptimizeConfig bounds the optimization stage's output dimensions and quality.
type OptimizeConfig struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// DefaultOptimizeConfig matches the teacher worker's original resize
// bounds: fit within 2000x2000 at JPEG quality 85.
func DefaultOptimizeConfig() OptimizeConfig {
	return OptimizeConfig{MaxWidth: 2000, MaxHeight: 2000, Quality: 85}
}

// Optimize fits decoded within cfg's bounds (no upscaling) and
// re-encodes it via Encode (png stays png; every other format is
// written as jpeg), returning the optimized bytes and resulting
// dimensions.
func Optimize(decoded *Decoded, cfg OptimizeConfig) ([]byte, int, int, error) {
	img := decoded.Image
	width, height := decoded.Width, decoded.Height

	if width > cfg.MaxWidth || height > cfg.MaxHeight {
		img = imaging.Fit(img, cfg.MaxWidth, cfg.MaxHeight, imaging.Lanczos)
		width, height = img.Bounds().Dx(), img.Bounds().Dy()
	}

	encoded, err := Encode(img, decoded.Format, cfg.Quality)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("optimize: %w", err)
	}
	return encoded, width, height, nil
}
