package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageFormat(t *testing.T) {
	tests := []struct {
		in   string
		want ImageFormat
	}{
		{"png", ImageFormatPNG},
		{"image/png", ImageFormatPNG},
		{"IMAGE/JPEG", ImageFormatJPEG},
		{".jpg", ImageFormatJPEG},
	}
	for _, tt := range tests {
		got, err := ParseImageFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseImageFormat("image/gif")
	assert.True(t, errors.Is(err, ErrUnsupportedImageFormat))
}

func TestMessageValidate(t *testing.T) {
	ok := NewMessage(RoleUser, TextBlock("explain"), ImageBlock(Image{Format: ImageFormatPNG, Bytes: []byte{1}}))
	require.NoError(t, ok.Validate())

	assert.ErrorIs(t, Message{Role: RoleUser}.Validate(), ErrEmptyMessage)
	assert.Error(t, Message{Role: "system", Content: []ContentBlock{TextBlock("x")}}.Validate())
	assert.Error(t, NewMessage(RoleUser, ContentBlock{}).Validate())
	assert.Error(t, NewMessage(RoleUser, ImageBlock(Image{Format: ImageFormatPNG})).Validate())
	assert.Error(t, NewMessage(RoleUser, ContentBlock{Text: "x", Image: &Image{Format: ImageFormatPNG, Bytes: []byte{1}}}).Validate())
}

func TestMessageFirstTextSkipsImages(t *testing.T) {
	msg := NewMessage(RoleUser, ImageBlock(Image{Format: ImageFormatJPEG, Bytes: []byte{1}}), TextBlock("hello"))
	assert.Equal(t, "hello", msg.FirstText())
	assert.Len(t, msg.Images(), 1)
}

func TestInferenceValidate(t *testing.T) {
	require.NoError(t, DefaultInference().Validate())
	require.NoError(t, InferenceParameters{Temperature: 1, TopP: 0, TopK: 500}.Validate())

	bad := []InferenceParameters{
		{Temperature: -0.1, TopP: 1, TopK: 1},
		{Temperature: 0.5, TopP: 1.01, TopK: 1},
		{Temperature: 0.5, TopP: 1, TopK: 501},
		{Temperature: 0.5, TopP: 1, TopK: -1},
	}
	for _, p := range bad {
		assert.ErrorIs(t, p.Validate(), ErrInvalidInference)
	}
}

func TestConversationLifecycle(t *testing.T) {
	var c Conversation
	assert.False(t, c.HasHistory())
	assert.Equal(t, StateEmpty, c.State())

	c.SetExplanation("a VPC with two subnets")
	assert.False(t, c.HasHistory())
	assert.Equal(t, StateExplained, c.State())

	c.RecordExchange("generate", "CODE_V1")
	assert.True(t, c.HasHistory())
	assert.Equal(t, StateHasCode, c.State())
	assert.Equal(t, "CODE_V1", c.Code)

	c.RecordExchange("add an S3 bucket", "CODE_V2")
	assert.Equal(t, "CODE_V2", c.Code)
	history := c.History()
	require.Len(t, history, 4)
	assert.Equal(t, RoleUser, history[2].Role)
	assert.Equal(t, "add an S3 bucket", history[2].FirstText())
	assert.Equal(t, RoleAssistant, history[3].Role)
}

func TestConversationClearIsIdempotent(t *testing.T) {
	c := &Conversation{}
	c.SetExplanation("explained")
	c.RecordExchange("generate", "CODE")

	c.Clear()
	assert.Empty(t, c.History())
	assert.False(t, c.HasHistory())
	assert.False(t, c.HasExplanation())

	c.Clear()
	assert.Empty(t, c.History())
	assert.False(t, c.HasHistory())
}

func TestConversationHistoryIsACopy(t *testing.T) {
	c := &Conversation{}
	c.RecordExchange("generate", "CODE")
	h := c.History()
	h[0] = AssistantText("mutated")
	assert.Equal(t, RoleUser, c.Messages[0].Role)

	clone := c.Clone()
	clone.Clear()
	assert.True(t, c.HasHistory())
}
