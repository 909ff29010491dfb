package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// ArtifactRepo stores rendered job output in Postgres.
type ArtifactRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewArtifactRepo creates a new ArtifactRepo instance with the given database connection.
func NewArtifactRepo(db *sql.DB) *ArtifactRepo {
	return &ArtifactRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// Store persists the artifact and returns a reference of the form "artifact:<id>".
func (r *ArtifactRepo) Store(ctx context.Context, a model.Artifact) (string, error) {
	if a.JobID == "" || a.RunID == "" {
		return "", errors.New("artifact requires job and run ids")
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.timeProvider.Now()
	}
	content := nonNilSlice(a.Content)
	id := uuid.NewString()
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO job_artifacts (id, job_id, run_id, format, content, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, a.JobID, a.RunID, string(a.Format), content, len(content), createdAt.UTC()); err != nil {
		return "", fmt.Errorf("store artifact: %w", apperrors.MapDBError(err))
	}
	return ArtifactRef(id), nil
}

// ArtifactRef formats the reference recorded on a run for an artifact id.
func ArtifactRef(id string) string { return "artifact:" + id }
