package photo

import (
	"context"

	"github.com/google/uuid"
)

// UploadRequest is the Service's upload entry point payload. It
// mirrors the ingress coordinator's UploadInput field-for-field so an
// adapter in the composition root can convert one into the other
// without this package importing internal/ingress — internal/ingress
// already imports internal/domain/photo for Record/Repository, and a
// reverse import would cycle.
type UploadRequest struct {
	Bytes         []byte
	OriginalName  string
	ContentType   string
	ClientID      string
	SessionID     string
	UserID        string
	ExtraMetadata map[string]string
	PipelineName  string
	Priority      int
}

// UploadCoordinator is the subset of the C5 ingress coordinator the
// HTTP surface depends on.
type UploadCoordinator interface {
	Upload(ctx context.Context, in UploadRequest) (*Record, error)
}

// Service implements the C10 HTTP surface's business logic: it drives
// UploadCoordinator for admission and Repository for status/list reads.
type Service struct {
	coordinator UploadCoordinator
	repo        Repository
}

// NewService builds a Service.
func NewService(coordinator UploadCoordinator, repo Repository) *Service {
	return &Service{coordinator: coordinator, repo: repo}
}

// Upload admits a photo via the ingress coordinator and projects the
// resulting record onto the wire response.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	record, err := s.coordinator.Upload(ctx, req)
	if err != nil {
		return nil, err
	}
	return &UploadResponse{
		PhotoID:    record.ID.String(),
		Status:     record.Status,
		UploadedAt: record.UploadedAt,
	}, nil
}

// GetStatus fetches one photo's current status/progress.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*StatusResponse, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return StatusResponseFromRecord(record), nil
}

// List runs C2's ordered range query and wraps it with the total count
// for pagination.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResponse, error) {
	records, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]*StatusResponse, len(records))
	for i, r := range records {
		items[i] = StatusResponseFromRecord(r)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return &ListResponse{Items: items, Total: total, Limit: limit, Offset: filter.Offset}, nil
}
