package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/wolfman30/arch2code/internal/chat"
)

const providerBedrock = "bedrock"

type bedrockConverseStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// converseEventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type converseEventReader interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockInvoker streams responses from Bedrock's ConverseStream API.
type BedrockInvoker struct {
	api        bedrockConverseStreamAPI
	openStream func(*bedrockruntime.ConverseStreamOutput) converseEventReader
}

func NewBedrockInvoker(api bedrockConverseStreamAPI) *BedrockInvoker {
	if api == nil {
		panic("conversation: bedrock converse client cannot be nil")
	}
	return &BedrockInvoker{api: api, openStream: bedrockEventStream}
}

func bedrockEventStream(out *bedrockruntime.ConverseStreamOutput) converseEventReader {
	if out == nil {
		return nil
	}
	stream := out.GetStream()
	if stream == nil {
		return nil
	}
	return stream
}

// Stream opens one ConverseStream call and pushes the growing text to sink.
func (c *BedrockInvoker) Stream(ctx context.Context, req InvokeRequest, sink Sink) (Result, error) {
	input, err := buildConverseStreamInput(req)
	if err != nil {
		return Result{}, err
	}

	out, err := c.api.ConverseStream(ctx, input)
	if err != nil {
		return Result{}, fmt.Errorf("conversation: bedrock converse stream: %w", err)
	}

	reader := c.openStream(out)
	if reader == nil {
		return Result{}, errors.New("conversation: bedrock stream is nil")
	}

	res, err := consumeConverseStream(reader, sinkOrDiscard(sink))
	res.Provider = providerBedrock
	return res, err
}

func buildConverseStreamInput(req InvokeRequest) (*bedrockruntime.ConverseStreamInput, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return nil, errors.New("conversation: bedrock model id is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("conversation: at least one message is required")
	}

	var system []brtypes.SystemContentBlock
	if strings.TrimSpace(req.System) != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		converted, err := toBedrockMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.ModelID),
		System:   system,
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxTokens),
			Temperature: aws.Float32(req.Inference.Temperature),
			TopP:        aws.Float32(req.Inference.TopP),
		},
		AdditionalModelRequestFields: document.NewLazyDocument(map[string]any{
			"top_k": req.Inference.TopK,
		}),
	}, nil
}

func toBedrockMessage(msg chat.Message) (brtypes.Message, error) {
	if err := msg.Validate(); err != nil {
		return brtypes.Message{}, fmt.Errorf("conversation: %w", err)
	}

	var role brtypes.ConversationRole
	switch msg.Role {
	case chat.RoleUser:
		role = brtypes.ConversationRoleUser
	case chat.RoleAssistant:
		role = brtypes.ConversationRoleAssistant
	}

	blocks := make([]brtypes.ContentBlock, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Image != nil {
			blocks = append(blocks, &brtypes.ContentBlockMemberImage{
				Value: brtypes.ImageBlock{
					Format: brtypes.ImageFormat(block.Image.Format),
					Source: &brtypes.ImageSourceMemberBytes{Value: block.Image.Bytes},
				},
			})
			continue
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: block.Text})
	}
	return brtypes.Message{Role: role, Content: blocks}, nil
}

func consumeConverseStream(reader converseEventReader, sink Sink) (Result, error) {
	defer reader.Close()

	var (
		res  Result
		text strings.Builder
	)
	for event := range reader.Events() {
		switch v := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			delta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText)
			if !ok || delta.Value == "" {
				continue
			}
			text.WriteString(delta.Value)
			sink.Update(text.String())
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			res.StopReason = string(v.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				res.Usage = TokenUsage{
					InputTokens:  int32OrZero(v.Value.Usage.InputTokens),
					OutputTokens: int32OrZero(v.Value.Usage.OutputTokens),
					TotalTokens:  int32OrZero(v.Value.Usage.TotalTokens),
				}
			}
		}
	}
	res.Text = text.String()

	if err := reader.Err(); err != nil {
		return res, classifyBedrockStreamError(err)
	}
	return res, nil
}

// classifyBedrockStreamError marks the exceptions Bedrock raises mid-stream
// for transient conditions as retryable.
func classifyBedrockStreamError(err error) error {
	var (
		streamErr    *brtypes.ModelStreamErrorException
		throttled    *brtypes.ThrottlingException
		unavailable  *brtypes.ServiceUnavailableException
		internal     *brtypes.InternalServerException
		modelTimeout *brtypes.ModelTimeoutException
	)
	switch {
	case errors.As(err, &streamErr),
		errors.As(err, &throttled),
		errors.As(err, &unavailable),
		errors.As(err, &internal),
		errors.As(err, &modelTimeout):
		return &TransientStreamError{Provider: providerBedrock, Err: err}
	default:
		return fmt.Errorf("conversation: bedrock stream: %w", err)
	}
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
