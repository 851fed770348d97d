// Package photo implements the Metadata Store Contract (C2): the
// PhotoRecord entity, its Postgres-backed repository, and the
// status/progress invariants the ingress coordinator and pipeline
// engine depend on.
package photo

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status is PhotoRecord's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StageState is one stage's progress entry within stage_progress.
type StageState string

const (
	StagePending StageState = "pending"
	StageRunning StageState = "running"
	StageDone    StageState = "done"
	StageFailed  StageState = "failed"
)

// StageProgress is one stage's recorded progress.
type StageProgress struct {
	State   StageState `json:"state"`
	Percent int        `json:"percent"`
}

// Artifact is a derived output the pipeline engine wrote back to C1,
// e.g. a thumbnail rung or the optimized original.
type Artifact struct {
	Role      string `json:"role"`
	BlobKey   string `json:"blob_key"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// Record is the central entity: one row per uploaded photo. checksum
// and BlobKey are immutable after Create persists the first row
// (invariant 7); UpdatedAt strictly increases on every mutation
// (invariant 8), enforced by the repository via a monotonic sequence
// column rather than relying on wall-clock resolution alone.
type Record struct {
	ID           uuid.UUID `db:"id"`
	BlobKey      string    `db:"blob_key"`
	Bucket       string    `db:"bucket"`
	SizeBytes    int64     `db:"size_bytes"`
	MimeType     string    `db:"mime_type"`
	OriginalName string    `db:"original_name"`
	Checksum     string    `db:"checksum"`

	ClientID  string         `db:"client_id"`
	SessionID sql.NullString `db:"session_id"`
	UserID    sql.NullString `db:"user_id"`

	Status Status `db:"status"`

	// StageProgressJSON / ArtifactsJSON are the wire-encoded forms of
	// StageProgress and Artifacts; the repository marshals between
	// them and the exported map/slice on read and write.
	StageProgressJSON []byte `db:"stage_progress"`
	ArtifactsJSON      []byte `db:"artifacts"`

	Error sql.NullString `db:"error"`

	UploadedAt  time.Time    `db:"uploaded_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	// Seq is the monotonic tie-breaker invariant 8 requires when the
	// wall clock is too coarse to order two mutations.
	Seq int64 `db:"seq"`

	StageProgress map[string]StageProgress `db:"-"`
	Artifacts     []Artifact                `db:"-"`
}

// NewQueued builds the record ingress persists inside its creation
// transaction: status=queued, no started_at/artifacts/error (invariant 1).
func NewQueued(id uuid.UUID, blobKey, bucket string, sizeBytes int64, mimeType, originalName, checksum, clientID string, sessionID, userID *string) *Record {
	now := time.Now()
	r := &Record{
		ID:            id,
		BlobKey:       blobKey,
		Bucket:        bucket,
		SizeBytes:     sizeBytes,
		MimeType:      mimeType,
		OriginalName:  originalName,
		Checksum:      checksum,
		ClientID:      clientID,
		Status:        StatusQueued,
		StageProgress: map[string]StageProgress{},
		Artifacts:     nil,
		UploadedAt:    now,
		UpdatedAt:     now,
	}
	if sessionID != nil {
		r.SessionID = sql.NullString{String: *sessionID, Valid: true}
	}
	if userID != nil {
		r.UserID = sql.NullString{String: *userID, Valid: true}
	}
	return r
}

// TransitionToInProgress applies invariant 2: started_at set, completed_at unset.
func (r *Record) TransitionToInProgress() {
	r.Status = StatusInProgress
	r.StartedAt = sql.NullTime{Time: time.Now(), Valid: true}
}

// TransitionToCompleted applies invariant 3/4: every configured stage
// must already be StageDone before calling this.
func (r *Record) TransitionToCompleted() {
	r.Status = StatusCompleted
	r.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	r.Error = sql.NullString{}
}

// TransitionToFailed applies invariant 3/5: error must be non-empty.
func (r *Record) TransitionToFailed(reason string) {
	r.Status = StatusFailed
	r.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	r.Error = sql.NullString{String: reason, Valid: true}
}

// TransitionToCancelled applies invariant 3 for cooperative cancellation mid-stage.
func (r *Record) TransitionToCancelled() {
	r.Status = StatusCancelled
	r.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
}

// SetStageProgress records one stage's state/percent.
func (r *Record) SetStageProgress(stage string, state StageState, percent int) {
	if r.StageProgress == nil {
		r.StageProgress = map[string]StageProgress{}
	}
	r.StageProgress[stage] = StageProgress{State: state, Percent: percent}
}

// AllStagesDone reports whether every named stage has a done entry (invariant 4).
func (r *Record) AllStagesDone(stages []string) bool {
	for _, s := range stages {
		sp, ok := r.StageProgress[s]
		if !ok || sp.State != StageDone {
			return false
		}
	}
	return true
}

// AppendArtifact adds a derived output; artifact writeback is
// idempotent by blob_key at the pipeline layer, not here.
func (r *Record) AppendArtifact(a Artifact) {
	r.Artifacts = append(r.Artifacts, a)
}
