package prompts

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

//go:embed examples
var exampleFS embed.FS

// ErrMissingReference means a selected example document could not be found.
// The whole request is aborted because a partial reference set changes model
// output unpredictably.
var ErrMissingReference = errors.New("prompts: missing reference document")

// ExampleSource returns the raw text of a reference document by key.
type ExampleSource interface {
	ReadExample(ctx context.Context, key string) (string, error)
}

// FSSource reads examples from a filesystem, such as the embedded defaults
// or os.DirFS for a local override directory.
type FSSource struct {
	fsys fs.FS
}

// NewFSSource wraps fsys. A nil fsys uses the embedded example set.
func NewFSSource(fsys fs.FS) *FSSource {
	if fsys == nil {
		sub, err := fs.Sub(exampleFS, "examples")
		if err != nil {
			panic(fmt.Sprintf("prompts: embedded examples: %v", err))
		}
		fsys = sub
	}
	return &FSSource{fsys: fsys}
}

// EmbeddedSource returns the examples compiled into the binary.
func EmbeddedSource() *FSSource {
	return NewFSSource(nil)
}

func (s *FSSource) ReadExample(_ context.Context, key string) (string, error) {
	data, err := fs.ReadFile(s.fsys, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMissingReference, key)
		}
		return "", fmt.Errorf("prompts: read example %s: %w", key, err)
	}
	return string(data), nil
}

// S3GetAPI is the subset of the S3 client used by S3Source.
type S3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads examples from s3://bucket/prefix/<key>.
type S3Source struct {
	api    S3GetAPI
	bucket string
	prefix string
}

func NewS3Source(api S3GetAPI, bucket, prefix string) *S3Source {
	if api == nil {
		panic("prompts: s3 client cannot be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("prompts: examples bucket cannot be empty")
	}
	return &S3Source{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Source) ReadExample(ctx context.Context, key string) (string, error) {
	objectKey := key
	if s.prefix != "" {
		objectKey = path.Join(s.prefix, key)
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrMissingReference, s.bucket, objectKey)
		}
		return "", fmt.Errorf("prompts: s3 get %s: %w", objectKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("prompts: s3 read %s: %w", objectKey, err)
	}
	return string(data), nil
}

func isS3NotFound(err error) bool {
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
