package photo

import "time"

// UploadResponse is returned by POST /photos once the C5 ingress
// coordinator has durably enqueued the photo for processing.
type UploadResponse struct {
	PhotoID    string    `json:"photo_id"`
	Status     Status    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ArtifactResponse mirrors Artifact for the wire.
type ArtifactResponse struct {
	Role      string `json:"role"`
	BlobKey   string `json:"blob_key"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// StatusResponse is the full record view returned by GET /photos/{id}
// and embedded in ListResponse's items.
type StatusResponse struct {
	PhotoID       string                       `json:"photo_id"`
	OriginalName  string                       `json:"original_name"`
	MimeType      string                       `json:"mime_type"`
	SizeBytes     int64                        `json:"size_bytes"`
	Status        Status                       `json:"status"`
	StageProgress map[string]StageProgress     `json:"stage_progress"`
	Artifacts     []ArtifactResponse           `json:"artifacts"`
	Error         string                       `json:"error,omitempty"`
	UploadedAt    time.Time                    `json:"uploaded_at"`
	StartedAt     *time.Time                   `json:"started_at,omitempty"`
	CompletedAt   *time.Time                   `json:"completed_at,omitempty"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// StatusResponseFromRecord projects a Record onto its wire form.
func StatusResponseFromRecord(r *Record) *StatusResponse {
	artifacts := make([]ArtifactResponse, len(r.Artifacts))
	for i, a := range r.Artifacts {
		artifacts[i] = ArtifactResponse{
			Role: a.Role, BlobKey: a.BlobKey,
			Width: a.Width, Height: a.Height, SizeBytes: a.SizeBytes,
		}
	}

	resp := &StatusResponse{
		PhotoID:       r.ID.String(),
		OriginalName:  r.OriginalName,
		MimeType:      r.MimeType,
		SizeBytes:     r.SizeBytes,
		Status:        r.Status,
		StageProgress: r.StageProgress,
		Artifacts:     artifacts,
		UploadedAt:    r.UploadedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Error.Valid {
		resp.Error = r.Error.String
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		resp.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		resp.CompletedAt = &t
	}
	return resp
}

// ListResponse paginates StatusResponse over a client's/user's photos.
type ListResponse struct {
	Items  []*StatusResponse `json:"items"`
	Total  int               `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}
