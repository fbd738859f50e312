package prompts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Getter struct {
	objects map[string]string
	keys    []string
	err     error
}

func (m *mockS3Getter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.keys = append(m.keys, *in.Key)
	if m.err != nil {
		return nil, m.err
	}
	body, ok := m.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func TestS3SourceReadsWithPrefix(t *testing.T) {
	mock := &mockS3Getter{objects: map[string]string{"refs/terraform/example1.hcl": "resource {}"}}
	src := NewS3Source(mock, "examples-bucket", "/refs/")

	body, err := src.ReadExample(context.Background(), "terraform/example1.hcl")
	require.NoError(t, err)
	assert.Equal(t, "resource {}", body)
	assert.Equal(t, []string{"refs/terraform/example1.hcl"}, mock.keys)
}

func TestS3SourceMissingKey(t *testing.T) {
	src := NewS3Source(&mockS3Getter{objects: map[string]string{}}, "examples-bucket", "")
	_, err := src.ReadExample(context.Background(), "mermaid/example2.mmd")
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestS3SourceOtherErrorsPropagate(t *testing.T) {
	boom := errors.New("access denied")
	src := NewS3Source(&mockS3Getter{err: boom}, "examples-bucket", "")
	_, err := src.ReadExample(context.Background(), "mermaid/example1.mmd")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrMissingReference)
}

func TestAssemblerWithS3Source(t *testing.T) {
	mock := &mockS3Getter{objects: map[string]string{"mermaid/example1.mmd": "graph TD"}}
	a := NewAssembler(NewS3Source(mock, "b", ""))

	p, err := a.Generate(context.Background(), KindMermaid, ExampleSelection{"example1"}, "EXPLANATION")
	require.NoError(t, err)
	assert.Contains(t, p.Messages[0].Content[0].Text, "graph TD")
}
