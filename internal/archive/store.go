package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store writes generated code to S3. If bucket is empty, all operations are no-ops.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// PutArtifact uploads the code and appends a manifest line. It returns the
// object key, or "" when the store is disabled.
func (s *Store) PutArtifact(ctx context.Context, artifact Artifact) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if artifact.ArtifactID == "" || artifact.SessionID == "" {
		return "", errors.New("archive: artifact and session ids are required")
	}

	now := artifact.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	key := ArtifactKey(artifact, now)

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(artifact.Code)),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"session-id": artifact.SessionID,
			"phase":      artifact.Phase,
			"template":   artifact.Template,
			"model-id":   artifact.ModelID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	s.logger.Info("archived artifact to S3",
		"session_id", artifact.SessionID,
		"artifact_id", artifact.ArtifactID,
		"s3_key", key,
		"phase", artifact.Phase,
	)

	entry := ManifestEntry{
		ArtifactID: artifact.ArtifactID,
		SessionID:  artifact.SessionID,
		S3Key:      key,
		Phase:      artifact.Phase,
		Template:   artifact.Template,
		ModelID:    artifact.ModelID,
		ArchivedAt: now.Format(time.RFC3339),
		CodeBytes:  len(artifact.Code),
	}
	if err := s.AppendManifest(ctx, entry, now); err != nil {
		s.logger.Warn("failed to append manifest", "error", err, "artifact_id", artifact.ArtifactID)
	}
	return key, nil
}

// GetArtifact reads the code stored under key.
func (s *Store) GetArtifact(ctx context.Context, key string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("archive: store disabled")
	}
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("archive: read %s: %w", key, err)
	}
	return string(data), nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so this is read-modify-write.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry, now time.Time) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	manifestKey := fmt.Sprintf("artifacts/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

// ArtifactKey is the S3 key for an artifact, partitioned by date and session.
// The extension follows the template's language.
func ArtifactKey(artifact Artifact, at time.Time) string {
	ext := ".txt"
	if kind, err := prompts.ParseTemplateKind(artifact.Template); err == nil {
		if profile, err := prompts.ProfileFor(kind); err == nil {
			ext = profile.Extension
		}
	}
	return fmt.Sprintf("artifacts/v1/by-date/%d/%02d/%02d/%s/%s%s",
		at.Year(), at.Month(), at.Day(), artifact.SessionID, artifact.ArtifactID, ext)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
