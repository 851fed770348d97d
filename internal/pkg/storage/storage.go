// Package storage implements the Blob Store Contract (C1): an opaque
// key/bytes store with presigned retrieval URLs, backed by any
// S3-compatible endpoint (AWS S3, MinIO, Cloudflare R2).
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is the result of Stat and an entry of List.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions carries the optional content-type/metadata a caller may
// attach to a stored object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// PutResult is returned by Put; idempotent callers compare ETag across
// repeated writes of the same bytes to the same key.
type PutResult struct {
	ETag string
	Size int64
}

// Method names accepted by PresignedURL.
const (
	MethodGet = "GET"
	MethodPut = "PUT"
)

// Storage is the Blob Store Contract every pipeline stage and the
// ingress coordinator depend on. bucket is a logical partition (see
// internal/ingress for how a photo's bucket is derived); keys are
// ASCII-safe strings, unique within a bucket.
type Storage interface {
	// Put stores reader's bytes at bucket/key. Writing the same bytes
	// to the same key twice is a no-op as far as callers observe.
	Put(ctx context.Context, bucket, key string, reader io.Reader, opts PutOptions) (*PutResult, error)

	// Get opens a stream of bucket/key's bytes. Returns an errs.KindNotFound
	// error if the object is absent.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Stat returns bucket/key's metadata without transferring its body.
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// Remove deletes bucket/key. Removing an absent key is success.
	Remove(ctx context.Context, bucket, key string) error

	// PresignedURL mints a time-limited URL an external client can use
	// directly against the backend, for method MethodGet or MethodPut.
	PresignedURL(ctx context.Context, method, bucket, key string, expires time.Duration) (string, error)

	// List returns every object under bucket whose key has the given
	// prefix. Finite and not restartable mid-stream: callers needing a
	// live cursor should re-list with a narrower prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// AllowedMimeTypes enumerates the mime types the ingress coordinator
// accepts, keyed by upload category. Every category maps to the image
// set; video support is a documented non-goal (spec.md Non-goals).
var AllowedMimeTypes = map[string][]string{
	"photo": {
		"image/jpeg",
		"image/png",
		"image/webp",
	},
}

// MaxUploadSize is the ingress coordinator's hard cap on original
// upload size (spec.md §4.C5 edge cases): 50 MiB.
const MaxUploadSize int64 = 50 * 1024 * 1024

// IsAllowedMimeType reports whether mimeType appears in any recognized
// upload category's allowlist.
func IsAllowedMimeType(mimeType string) bool {
	for _, category := range AllowedMimeTypes {
		for _, m := range category {
			if m == mimeType {
				return true
			}
		}
	}
	return false
}
