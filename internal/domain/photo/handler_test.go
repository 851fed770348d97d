package photo

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	pkgerrs "github.com/mwork/photofabric/internal/errs"
)

type fakeCoordinator struct {
	uploadErr error
	lastInput UploadRequest
	// repo, when set, receives the created record the way the real
	// ingress coordinator persists it before returning.
	repo *memRepo
}

func (f *fakeCoordinator) Upload(ctx context.Context, in UploadRequest) (*Record, error) {
	f.lastInput = in
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	record := NewQueued(uuid.New(), "blob-key", "bucket", int64(len(in.Bytes)), in.ContentType, in.OriginalName, "checksum", in.ClientID, nil, nil)
	if f.repo != nil {
		if err := f.repo.Create(ctx, record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[uuid.UUID]*Record{}}
}

func (m *memRepo) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, pkgerrs.NotFound("photo %s", id)
	}
	return r, nil
}

func (m *memRepo) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memRepo) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRepo) Count(ctx context.Context, filter ListFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *memRepo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func multipartUploadRequest(t *testing.T, fields map[string]string, fileContent []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	part, err := w.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(fileContent); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/photos", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadReturnsCreatedWithPhotoID(t *testing.T) {
	coord := &fakeCoordinator{}
	repo := newMemRepo()
	handler := NewHandler(NewService(coord, repo))

	req := multipartUploadRequest(t, map[string]string{"client_id": "client-1"}, []byte("fake-png-bytes"))
	rec := httptest.NewRecorder()

	handler.Upload(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if coord.lastInput.ClientID != "client-1" {
		t.Fatalf("ClientID = %q, want client-1", coord.lastInput.ClientID)
	}

	var body struct {
		Data UploadResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Data.PhotoID == "" {
		t.Fatal("expected non-empty photo_id")
	}
}

func TestUploadMissingFileReturnsBadRequest(t *testing.T) {
	coord := &fakeCoordinator{}
	repo := newMemRepo()
	handler := NewHandler(NewService(coord, repo))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("client_id", "client-1")
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/photos", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	handler.Upload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetStatusReturnsNotFoundForUnknownID(t *testing.T) {
	repo := newMemRepo()
	handler := NewHandler(NewService(&fakeCoordinator{}, repo))

	r := chi.NewRouter()
	r.Get("/photos/{id}", handler.GetStatus)

	req := httptest.NewRequest(http.MethodGet, "/photos/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetStatusReturnsRecordAfterUpload(t *testing.T) {
	repo := newMemRepo()
	coord := &fakeCoordinator{repo: repo}
	service := NewService(coord, repo)
	handler := NewHandler(service)

	uploaded, err := service.Upload(context.Background(), UploadRequest{Bytes: []byte("x"), OriginalName: "a.png", ClientID: "client-1"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/photos/{id}", handler.GetStatus)

	req := httptest.NewRequest(http.MethodGet, "/photos/"+uploaded.PhotoID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestListReturnsAllUploadedRecords(t *testing.T) {
	coord := &fakeCoordinator{}
	repo := newMemRepo()
	handler := NewHandler(NewService(coord, repo))

	repo.Create(context.Background(), NewQueued(uuid.New(), "k1", "b", 1, "image/png", "a.png", "c1", "client-1", nil, nil))
	repo.Create(context.Background(), NewQueued(uuid.New(), "k2", "b", 1, "image/png", "b.png", "c2", "client-1", nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/photos", nil)
	rec := httptest.NewRecorder()

	handler.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Data ListResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Data.Total != 2 {
		t.Fatalf("Total = %d, want 2", body.Data.Total)
	}
}
