package photo

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestServiceUploadPropagatesCoordinatorError(t *testing.T) {
	coord := &fakeCoordinator{uploadErr: ErrMissingFile}
	service := NewService(coord, newMemRepo())

	if _, err := service.Upload(context.Background(), UploadRequest{}); err != ErrMissingFile {
		t.Fatalf("err = %v, want %v", err, ErrMissingFile)
	}
}

func TestServiceListDefaultsLimitWhenUnset(t *testing.T) {
	repo := newMemRepo()
	service := NewService(&fakeCoordinator{}, repo)

	result, err := service.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if result.Limit != 50 {
		t.Fatalf("Limit = %d, want 50", result.Limit)
	}
}

func TestServiceGetStatusNotFound(t *testing.T) {
	service := NewService(&fakeCoordinator{}, newMemRepo())

	if _, err := service.GetStatus(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected not-found error")
	}
}
