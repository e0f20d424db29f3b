package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/mediaingest/internal/models"
)

// ArtifactStore keeps transcoded audio in one bucket. Artifact identifiers
// are object paths relative to that bucket.
type ArtifactStore struct {
	storage Storage
	bucket  string
}

func NewArtifactStore(store Storage, bucket string) *ArtifactStore {
	return &ArtifactStore{storage: store, bucket: bucket}
}

// Put uploads the artifact for a submission and returns its identifier.
// Errors are *models.StageError with kind Unavailable, QuotaExceeded or
// Cancelled.
func (a *ArtifactStore) Put(ctx context.Context, submissionID uuid.UUID, artifact *models.AudioArtifact) (string, error) {
	if artifact == nil || len(artifact.Data) == 0 {
		return "", models.NewStageError(models.KindUnavailable, "refusing to store an empty artifact", nil)
	}

	path := fmt.Sprintf("submissions/%s/audio%s", submissionID, artifact.Extension)
	key, err := a.storage.Upload(ctx, a.bucket, path, bytes.NewReader(artifact.Data), artifact.MediaType)
	if err != nil {
		return "", classify(ctx, "upload artifact", err)
	}

	// The API answers with "<bucket>/<path>"; anything else means the object
	// landed somewhere we cannot address later.
	if key != path && key != a.bucket+"/"+path {
		return "", models.NewStageError(models.KindUnavailable,
			fmt.Sprintf("storage reported unexpected object key %q", key), nil)
	}
	return path, nil
}

// Open streams a previously stored artifact.
func (a *ArtifactStore) Open(ctx context.Context, artifactID string) (io.ReadCloser, error) {
	artifactID = strings.TrimPrefix(artifactID, a.bucket+"/")
	rc, err := a.storage.Download(ctx, a.bucket, artifactID)
	if err != nil {
		return nil, classify(ctx, "download artifact", err)
	}
	return rc, nil
}

func classify(ctx context.Context, op string, err error) *models.StageError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.NewStageError(models.KindCancelled, op+" cancelled", err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestEntityTooLarge,
			se.StatusCode == http.StatusPaymentRequired,
			se.StatusCode == http.StatusInsufficientStorage,
			strings.Contains(strings.ToLower(se.Body), "quota"):
			return models.NewStageError(models.KindQuotaExceeded, op+": storage quota exceeded", err)
		}
	}
	return models.NewStageError(models.KindUnavailable, op+": storage unavailable", err)
}
