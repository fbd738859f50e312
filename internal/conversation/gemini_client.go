package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wolfman30/arch2code/internal/chat"
)

const (
	providerGemini       = "gemini"
	defaultGeminiModelID = "gemini-2.5-flash"
)

// GeminiInvoker streams responses from Google's Gemini API. It ignores the
// Bedrock model id on the request and always uses its own model.
type GeminiInvoker struct {
	client  *genai.Client
	modelID string
}

// NewGeminiInvoker creates a Gemini-backed invoker.
func NewGeminiInvoker(ctx context.Context, apiKey, modelID string) (*GeminiInvoker, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("conversation: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = defaultGeminiModelID
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to create gemini client: %w", err)
	}
	return &GeminiInvoker{client: client, modelID: modelID}, nil
}

func (c *GeminiInvoker) Stream(ctx context.Context, req InvokeRequest, sink Sink) (Result, error) {
	history, last, err := toGeminiContents(req.Messages)
	if err != nil {
		return Result{}, err
	}

	model := c.client.GenerativeModel(c.modelID)
	model.SetTemperature(req.Inference.Temperature)
	model.SetTopP(req.Inference.TopP)
	model.SetTopK(int32(req.Inference.TopK))
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	model.SetMaxOutputTokens(maxTokens)
	if strings.TrimSpace(req.System) != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}

	cs := model.StartChat()
	cs.History = history
	iter := cs.SendMessageStream(ctx, last.Parts...)

	sink = sinkOrDiscard(sink)
	res := Result{Provider: providerGemini}
	var text strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			res.Text = text.String()
			return res, classifyGeminiStreamError(err)
		}
		if resp.UsageMetadata != nil {
			res.Usage = TokenUsage{
				InputTokens:  resp.UsageMetadata.PromptTokenCount,
				OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:  resp.UsageMetadata.TotalTokenCount,
			}
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		candidate := resp.Candidates[0]
		res.StopReason = candidate.FinishReason.String()
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok && t != "" {
				text.WriteString(string(t))
				sink.Update(text.String())
			}
		}
	}
	res.Text = text.String()
	return res, nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiInvoker) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// toGeminiContents splits messages into chat history and the final user turn.
func toGeminiContents(messages []chat.Message) ([]*genai.Content, *genai.Content, error) {
	if len(messages) == 0 {
		return nil, nil, errors.New("conversation: gemini requires at least one message")
	}
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("conversation: %w", err)
		}
		role := "user"
		if msg.Role == chat.RoleAssistant {
			role = "model"
		}
		parts := make([]genai.Part, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Image != nil {
				parts = append(parts, genai.ImageData(string(block.Image.Format), block.Image.Bytes))
				continue
			}
			parts = append(parts, genai.Text(block.Text))
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, nil, errors.New("conversation: gemini requires the final message to come from the user")
	}
	return contents[:len(contents)-1], last, nil
}

func classifyGeminiStreamError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return &TransientStreamError{Provider: providerGemini, Err: err}
	default:
		return fmt.Errorf("conversation: gemini stream: %w", err)
	}
}
