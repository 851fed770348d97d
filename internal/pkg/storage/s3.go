package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/mwork/photofabric/internal/errs"
)

// S3Storage implements Storage against any S3-compatible endpoint:
// AWS S3 directly, or MinIO/R2 through a custom endpoint + path-style
// addressing. One client serves every bucket the ingress coordinator
// derives photos into.
type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	useTLS  bool
}

// Config holds the connection parameters spec.md's BLOB_* env vars carry.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseTLS    bool
}

// New builds the S3-compatible client used for every bucket.
func New(ctx context.Context, cfg Config) (*S3Storage, error) {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	endpointURL := cfg.Endpoint
	if endpointURL != "" {
		endpointURL = scheme + "://" + cfg.Endpoint
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load blob store client config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
		o.UsePathStyle = true
	})

	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		useTLS:  cfg.UseTLS,
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, bucket, key string, reader io.Reader, opts PutOptions) (*PutResult, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   reader,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return nil, errs.Transient(err, "put %s/%s", bucket, key)
	}

	result := &PutResult{}
	if out.ETag != nil {
		result.ETag = *out.ETag
	}
	return result, nil
}

func (s *S3Storage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.NotFound("object %s/%s", bucket, key)
		}
		return nil, errs.Transient(err, "get %s/%s", bucket, key)
	}
	return out.Body, nil
}

func (s *S3Storage) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.NotFound("object %s/%s", bucket, key)
		}
		return nil, errs.Transient(err, "stat %s/%s", bucket, key)
	}

	info := &ObjectInfo{Key: key, Metadata: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

func (s *S3Storage) Remove(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return errs.Transient(err, "remove %s/%s", bucket, key)
	}
	return nil
}

func (s *S3Storage) PresignedURL(ctx context.Context, method, bucket, key string, expires time.Duration) (string, error) {
	var (
		req *v4SignedRequest
		err error
	)
	switch method {
	case MethodPut:
		out, presignErr := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expires))
		err = presignErr
		if out != nil {
			req = &v4SignedRequest{URL: out.URL}
		}
	default:
		out, presignErr := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expires))
		err = presignErr
		if out != nil {
			req = &v4SignedRequest{URL: out.URL}
		}
	}
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "presign %s %s/%s", err)
	}
	return req.URL, nil
}

func (s *S3Storage) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.Transient(err, "list %s/%s*", bucket, prefix)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.ETag != nil {
				info.ETag = *obj.ETag
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			results = append(results, info)
		}
	}
	return results, nil
}

// v4SignedRequest is the minimal shape both PresignGetObject and
// PresignPutObject results are normalized into.
type v4SignedRequest struct {
	URL string
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
