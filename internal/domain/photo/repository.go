package photo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	pkgerrs "github.com/mwork/photofabric/internal/errs"
)

// ListFilter narrows Repository.List's ordered range query.
type ListFilter struct {
	ClientID string
	UserID   string
	Search   string // matched against original_name and mime_type
	Limit    int
	Offset   int
}

// Repository is the Metadata Store Contract (C2): insert, update,
// delete, get-by-id, ordered range queries, text search, COUNT, and
// transactional multi-row mutation.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
	Count(ctx context.Context, filter ListFilter) (int, error)

	// WithTx runs fn inside a transaction, committing on nil error and
	// rolling back otherwise. The ingress coordinator's two-phase
	// commit relies on this for the metadata half.
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates the Postgres-backed C2 repository.
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func marshalRecord(r *Record) error {
	stageJSON, err := json.Marshal(r.StageProgress)
	if err != nil {
		return fmt.Errorf("marshal stage_progress: %w", err)
	}
	r.StageProgressJSON = stageJSON

	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	r.ArtifactsJSON = artifactsJSON
	return nil
}

func unmarshalRecord(r *Record) error {
	if len(r.StageProgressJSON) > 0 {
		if err := json.Unmarshal(r.StageProgressJSON, &r.StageProgress); err != nil {
			return fmt.Errorf("unmarshal stage_progress: %w", err)
		}
	}
	if len(r.ArtifactsJSON) > 0 {
		if err := json.Unmarshal(r.ArtifactsJSON, &r.Artifacts); err != nil {
			return fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	return nil
}

func (repo *repository) Create(ctx context.Context, r *Record) error {
	if err := marshalRecord(r); err != nil {
		return pkgerrs.Wrap(pkgerrs.KindInternal, "encode photo record", err)
	}

	query := `
		INSERT INTO photos (
			id, blob_key, bucket, size_bytes, mime_type, original_name, checksum,
			client_id, session_id, user_id,
			status, stage_progress, artifacts, error,
			uploaded_at, started_at, completed_at, updated_at, seq
		) VALUES (
			:id, :blob_key, :bucket, :size_bytes, :mime_type, :original_name, :checksum,
			:client_id, :session_id, :user_id,
			:status, :stage_progress, :artifacts, :error,
			:uploaded_at, :started_at, :completed_at, :updated_at, nextval('photos_seq')
		)
	`
	_, err := repo.db.NamedExecContext(ctx, query, r)
	if err != nil {
		return pkgerrs.Transient(err, "insert photo %s", r.ID)
	}
	return nil
}

func (repo *repository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var r Record
	err := repo.db.GetContext(ctx, &r, `SELECT * FROM photos WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pkgerrs.NotFound("photo %s", id)
		}
		return nil, pkgerrs.Transient(err, "get photo %s", id)
	}
	if err := unmarshalRecord(&r); err != nil {
		return nil, pkgerrs.Wrap(pkgerrs.KindInternal, "decode photo record", err)
	}
	return &r, nil
}

// Update persists every mutable field. updated_at and seq are bumped
// server-side so invariant 8 (strictly increasing updated_at) holds
// even under coarse wall-clock resolution.
func (repo *repository) Update(ctx context.Context, r *Record) error {
	if err := marshalRecord(r); err != nil {
		return pkgerrs.Wrap(pkgerrs.KindInternal, "encode photo record", err)
	}

	query := `
		UPDATE photos SET
			status = :status,
			stage_progress = :stage_progress,
			artifacts = :artifacts,
			error = :error,
			started_at = :started_at,
			completed_at = :completed_at,
			updated_at = now(),
			seq = nextval('photos_seq')
		WHERE id = :id
	`
	result, err := repo.db.NamedExecContext(ctx, query, r)
	if err != nil {
		return pkgerrs.Transient(err, "update photo %s", r.ID)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return pkgerrs.NotFound("photo %s", r.ID)
	}
	return nil
}

func (repo *repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM photos WHERE id = $1`, id)
	if err != nil {
		return pkgerrs.Transient(err, "delete photo %s", id)
	}
	return nil
}

func (repo *repository) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT * FROM photos
		WHERE ($1 = '' OR client_id = $1)
		AND ($2 = '' OR user_id = $2)
		AND ($3 = '' OR original_name ILIKE '%' || $3 || '%' OR mime_type ILIKE '%' || $3 || '%')
		ORDER BY uploaded_at DESC
		LIMIT $4 OFFSET $5
	`
	var records []*Record
	err := repo.db.SelectContext(ctx, &records, query, filter.ClientID, filter.UserID, filter.Search, limit, filter.Offset)
	if err != nil {
		return nil, pkgerrs.Transient(err, "list photos")
	}
	for _, r := range records {
		if err := unmarshalRecord(r); err != nil {
			return nil, pkgerrs.Wrap(pkgerrs.KindInternal, "decode photo record", err)
		}
	}
	return records, nil
}

func (repo *repository) Count(ctx context.Context, filter ListFilter) (int, error) {
	query := `
		SELECT count(*) FROM photos
		WHERE ($1 = '' OR client_id = $1)
		AND ($2 = '' OR user_id = $2)
		AND ($3 = '' OR original_name ILIKE '%' || $3 || '%' OR mime_type ILIKE '%' || $3 || '%')
	`
	var count int
	if err := repo.db.GetContext(ctx, &count, query, filter.ClientID, filter.UserID, filter.Search); err != nil {
		return 0, pkgerrs.Transient(err, "count photos")
	}
	return count, nil
}

func (repo *repository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrs.Transient(err, "begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return pkgerrs.Wrap(pkgerrs.KindInternal, "rollback after error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return pkgerrs.Transient(err, "commit transaction")
	}
	return nil
}
