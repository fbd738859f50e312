package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/arch2code/pkg/logging"
)

var (
	// ErrIndexDisabled is returned by reads when no DynamoDB table is configured.
	ErrIndexDisabled = errors.New("archive: artifact index not configured")
	// ErrArtifactNotFound is returned when an artifact id is unknown or its
	// code was never written to S3.
	ErrArtifactNotFound = errors.New("archive: artifact not found")
)

// Archiver writes artifacts to S3 and indexes them in DynamoDB. Either
// backend may be nil.
type Archiver struct {
	store   *Store
	records *RecordStore
	logger  *logging.Logger
}

// NewArchiver returns nil when neither backend is configured.
func NewArchiver(store *Store, records *RecordStore, logger *logging.Logger) *Archiver {
	if !store.Enabled() && records == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Archiver{store: store, records: records, logger: logger}
}

// Archive scrubs and stores one artifact.
func (a *Archiver) Archive(ctx context.Context, artifact Artifact) error {
	if a == nil {
		return nil
	}
	if artifact.ArtifactID == "" {
		// v7 ids sort by creation time.
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		artifact.ArtifactID = id.String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	artifact.Code = ScrubSecrets(artifact.Code)

	var errs []error
	key, err := a.store.PutArtifact(ctx, artifact)
	if err != nil {
		errs = append(errs, err)
	}
	if a.records != nil {
		rec := &Record{
			SessionID:   artifact.SessionID,
			ArtifactID:  artifact.ArtifactID,
			Phase:       artifact.Phase,
			Template:    artifact.Template,
			ModelID:     artifact.ModelID,
			Instruction: artifact.Instruction,
			S3Key:       key,
			CodeBytes:   len(artifact.Code),
			CreatedAt:   artifact.CreatedAt.Format(time.RFC3339Nano),
		}
		if err := a.records.Put(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Debug("artifact archived", "session_id", artifact.SessionID, "artifact_id", artifact.ArtifactID)
	return nil
}

// List returns a session's archived artifacts, oldest first.
func (a *Archiver) List(ctx context.Context, sessionID string) ([]Record, error) {
	if a == nil || a.records == nil {
		return nil, ErrIndexDisabled
	}
	return a.records.ListBySession(ctx, sessionID)
}

// Fetch returns one archived artifact together with its code.
func (a *Archiver) Fetch(ctx context.Context, sessionID, artifactID string) (Record, string, error) {
	records, err := a.List(ctx, sessionID)
	if err != nil {
		return Record{}, "", err
	}
	for _, rec := range records {
		if rec.ArtifactID != artifactID {
			continue
		}
		if rec.S3Key == "" || !a.store.Enabled() {
			return rec, "", fmt.Errorf("%w: code for %s was not stored", ErrArtifactNotFound, artifactID)
		}
		code, err := a.store.GetArtifact(ctx, rec.S3Key)
		if err != nil {
			if isNotFound(err) {
				return rec, "", fmt.Errorf("%w: %s", ErrArtifactNotFound, rec.S3Key)
			}
			return rec, "", err
		}
		return rec, code, nil
	}
	return Record{}, "", fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
}
