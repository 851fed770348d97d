package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mwork/photofabric/internal/domain/photo"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*photo.Record
}

func newFakeRepo() *fakeRepo { return &fakeRepo{records: map[uuid.UUID]*photo.Record{}} }

func (f *fakeRepo) put(r *photo.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
}

func (f *fakeRepo) Create(ctx context.Context, r *photo.Record) error { f.put(r); return nil }

func (f *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*photo.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, errNotFound{}
	}
	return r, nil
}

func (f *fakeRepo) Update(ctx context.Context, r *photo.Record) error { f.put(r); return nil }
func (f *fakeRepo) Delete(ctx context.Context, id uuid.UUID) error   { return nil }
func (f *fakeRepo) List(ctx context.Context, filter photo.ListFilter) ([]*photo.Record, error) {
	return nil, nil
}
func (f *fakeRepo) Count(ctx context.Context, filter photo.ListFilter) (int, error) { return 0, nil }
func (f *fakeRepo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error     { return fn(nil) }

type errNotFound struct{}

func (errNotFound) Error() string { return "fake repo: photo not found" }
