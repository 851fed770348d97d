package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mwork/photofabric/internal/errs"
)

// LocalStorage implements Storage against the local filesystem, one
// directory per bucket. It exists for tests and single-box
// development; production deployments use S3Storage.
type LocalStorage struct {
	basePath string
	baseURL  string
}

// NewLocalStorage creates a local filesystem-backed Storage rooted at basePath.
func NewLocalStorage(basePath, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create storage root", err)
	}
	return &LocalStorage{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStorage) path(bucket, key string) string {
	return filepath.Join(s.basePath, bucket, key)
}

func (s *LocalStorage) Put(ctx context.Context, bucket, key string, reader io.Reader, opts PutOptions) (*PutResult, error) {
	full := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create object directory", err)
	}

	file, err := os.Create(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create object file", err)
	}
	defer file.Close()

	n, err := io.Copy(file, reader)
	if err != nil {
		os.Remove(full)
		return nil, errs.Wrap(errs.KindTransient, "write object body", err)
	}

	return &PutResult{Size: n}, nil
}

func (s *LocalStorage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	file, err := os.Open(s.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("object %s/%s", bucket, key)
		}
		return nil, errs.Wrap(errs.KindInternal, "open object", err)
	}
	return file, nil
}

func (s *LocalStorage) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	full := s.path(bucket, key)
	stat, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("object %s/%s", bucket, key)
		}
		return nil, errs.Wrap(errs.KindInternal, "stat object", err)
	}

	contentType := ""
	if f, err := os.Open(full); err == nil {
		head := make([]byte, 512)
		n, _ := f.Read(head)
		if n > 0 {
			contentType = http.DetectContentType(head[:n])
		}
		f.Close()
	}

	return &ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		ContentType:  contentType,
	}, nil
}

func (s *LocalStorage) Remove(ctx context.Context, bucket, key string) error {
	if err := os.Remove(s.path(bucket, key)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindInternal, "remove object", err)
	}
	return nil
}

func (s *LocalStorage) PresignedURL(ctx context.Context, method, bucket, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, bucket, key), nil
}

func (s *LocalStorage) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	root := filepath.Join(s.basePath, bucket)
	var results []ObjectInfo

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			return nil
		}
		results = append(results, ObjectInfo{
			Key:          rel,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "walk storage root", err)
	}
	return results, nil
}
