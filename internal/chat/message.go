package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageFormat is the encoding of an image content block.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
)

var (
	ErrUnsupportedImageFormat = errors.New("chat: unsupported image format")
	ErrEmptyMessage           = errors.New("chat: message has no content")
)

// ParseImageFormat accepts a bare format ("png"), a MIME type ("image/png")
// or a file extension (".jpg").
func ParseImageFormat(raw string) (ImageFormat, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.TrimPrefix(v, "image/")
	v = strings.TrimPrefix(v, ".")
	switch v {
	case "png":
		return ImageFormatPNG, nil
	case "jpeg", "jpg":
		return ImageFormatJPEG, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedImageFormat, raw)
	}
}

// Image is raw diagram bytes plus their format.
type Image struct {
	Format ImageFormat `json:"format"`
	Bytes  []byte      `json:"bytes"`
}

// ContentBlock is either a text fragment or an image. Exactly one of the
// fields is set.
type ContentBlock struct {
	Text  string `json:"text,omitempty"`
	Image *Image `json:"image,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: text}
}

// ImageBlock builds an image content block.
func ImageBlock(img Image) ContentBlock {
	return ContentBlock{Image: &img}
}

// IsImage reports whether the block carries an image.
func (b ContentBlock) IsImage() bool {
	return b.Image != nil
}

func (b ContentBlock) validate() error {
	switch {
	case b.Image != nil && b.Text != "":
		return errors.New("chat: content block carries both text and image")
	case b.Image != nil:
		if len(b.Image.Bytes) == 0 {
			return errors.New("chat: image block is empty")
		}
		if _, err := ParseImageFormat(string(b.Image.Format)); err != nil {
			return err
		}
		return nil
	case b.Text == "":
		return errors.New("chat: content block is empty")
	}
	return nil
}

// Message is a single role-tagged turn sent to or received from the model.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewMessage builds a message from the given blocks.
func NewMessage(role Role, blocks ...ContentBlock) Message {
	return Message{Role: role, Content: blocks}
}

// UserText is shorthand for a single-text user message.
func UserText(text string) Message {
	return NewMessage(RoleUser, TextBlock(text))
}

// AssistantText is shorthand for a single-text assistant message.
func AssistantText(text string) Message {
	return NewMessage(RoleAssistant, TextBlock(text))
}

// Validate checks the role and that every block is well formed.
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("chat: unsupported role %q", m.Role)
	}
	if len(m.Content) == 0 {
		return ErrEmptyMessage
	}
	for i, block := range m.Content {
		if err := block.validate(); err != nil {
			return fmt.Errorf("chat: block %d: %w", i, err)
		}
	}
	return nil
}

// FirstText returns the first text block, which is what history displays.
func (m Message) FirstText() string {
	for _, block := range m.Content {
		if !block.IsImage() {
			return block.Text
		}
	}
	return ""
}

// Images returns the image blocks of the message in order.
func (m Message) Images() []Image {
	var out []Image
	for _, block := range m.Content {
		if block.Image != nil {
			out = append(out, *block.Image)
		}
	}
	return out
}
