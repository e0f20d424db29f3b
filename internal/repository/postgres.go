// Package repository persists submission snapshots in Postgres so status
// survives tracker eviction and process restarts.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db querier
}

// NewPostgres accepts a *pgxpool.Pool or anything else with its query methods.
func NewPostgres(db querier) *Postgres {
	return &Postgres{db: db}
}

const upsertSubmission = `
	INSERT INTO submissions (
		id, stage, prompt, artifact_id, artifact_bytes, media_type, transcript, language, audio_seconds,
		error_stage, error_kind, error_message, callback_url, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		stage = EXCLUDED.stage,
		artifact_id = EXCLUDED.artifact_id,
		artifact_bytes = EXCLUDED.artifact_bytes,
		media_type = EXCLUDED.media_type,
		transcript = EXCLUDED.transcript,
		language = EXCLUDED.language,
		audio_seconds = EXCLUDED.audio_seconds,
		error_stage = EXCLUDED.error_stage,
		error_kind = EXCLUDED.error_kind,
		error_message = EXCLUDED.error_message,
		updated_at = EXCLUDED.updated_at
	WHERE submissions.stage NOT IN ('done', 'failed')
`

const submissionColumns = `id, stage, prompt, artifact_id, artifact_bytes, media_type, transcript, language, audio_seconds,
		error_stage, error_kind, error_message, callback_url, created_at, updated_at`

const selectSubmission = `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

// Error columns take the row's own stage before it is overwritten.
const failInterrupted = `
	UPDATE submissions SET
		stage = 'failed',
		error_stage = stage,
		error_kind = $1,
		error_message = $2,
		transcript = '',
		updated_at = $3
	WHERE stage NOT IN ('done', 'failed')
	RETURNING ` + submissionColumns

// Save upserts the snapshot. Rows already in a terminal stage are never
// overwritten.
func (p *Postgres) Save(ctx context.Context, s models.Submission) error {
	var errStage, errKind, errMsg *string
	if s.Error != nil {
		stage, kind := string(s.Error.Stage), string(s.Error.Kind)
		errStage, errKind, errMsg = &stage, &kind, &s.Error.Message
	}

	_, err := p.db.Exec(ctx, upsertSubmission,
		s.ID, string(s.Stage), s.Prompt, s.ArtifactID, s.ArtifactBytes, s.MediaType, s.Transcript, s.Language, s.AudioSeconds,
		errStage, errKind, errMsg, s.CallbackURL, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save submission %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (models.Submission, error) {
	s, err := scanSubmission(p.db.QueryRow(ctx, selectSubmission, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, models.ErrNotFound
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("get submission %s: %w", id, err)
	}
	return s, nil
}

// FailInterrupted marks every submission still in flight as failed with kind
// Cancelled. Only one process may drive a database, so at startup any such
// row belongs to a run that stopped mid-pipeline. The failed rows are returned.
func (p *Postgres) FailInterrupted(ctx context.Context, message string, at time.Time) ([]models.Submission, error) {
	rows, err := p.db.Query(ctx, failInterrupted, string(models.KindCancelled), message, at)
	if err != nil {
		return nil, fmt.Errorf("fail interrupted submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interrupted submission: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail interrupted submissions: %w", err)
	}
	return out, nil
}

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var s models.Submission
	var stage string
	var errStage, errKind, errMsg *string
	err := row.Scan(
		&s.ID, &stage, &s.Prompt, &s.ArtifactID, &s.ArtifactBytes, &s.MediaType, &s.Transcript, &s.Language, &s.AudioSeconds,
		&errStage, &errKind, &errMsg, &s.CallbackURL, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return models.Submission{}, err
	}

	s.Stage = models.Stage(stage)
	if errKind != nil {
		s.Error = &models.Failure{Kind: models.ErrorKind(*errKind)}
		if errStage != nil {
			s.Error.Stage = models.Stage(*errStage)
		}
		if errMsg != nil {
			s.Error.Message = *errMsg
		}
	}
	return s, nil
}
