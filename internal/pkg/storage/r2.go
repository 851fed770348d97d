package storage

import (
	"context"
	"fmt"
)

// R2Config holds the Cloudflare R2-specific connection shape: an
// account ID in place of a host, and a CDN-style public URL front.
// NewR2 builds the same S3Storage the generic constructor does, wired
// for R2's endpoint convention.
type R2Config struct {
	AccountID string
	AccessKey string
	SecretKey string
}

// NewR2 builds an S3Storage pointed at Cloudflare R2's S3-compatible endpoint.
func NewR2(ctx context.Context, cfg R2Config) (*S3Storage, error) {
	endpoint := fmt.Sprintf("%s.r2.cloudflarestorage.com", cfg.AccountID)
	return New(ctx, Config{
		Endpoint:  endpoint,
		Region:    "auto",
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseTLS:    true,
	})
}
