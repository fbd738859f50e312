package prompts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wolfman30/arch2code/internal/chat"
)

var (
	ErrInvalidExampleID    = errors.New("prompts: invalid example id")
	ErrExplanationRequired = errors.New("prompts: explanation is required")
	ErrCodeRequired        = errors.New("prompts: prior code is required")
	ErrInstructionRequired = errors.New("prompts: instruction is required")
	ErrImageRequired       = errors.New("prompts: image is required")
)

var exampleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ExampleSelection is the set of example ids the user picked.
type ExampleSelection []string

// Contains reports whether id was selected.
func (s ExampleSelection) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Validate rejects ids that could escape the example store.
func (s ExampleSelection) Validate() error {
	for _, id := range s {
		if !exampleIDPattern.MatchString(id) {
			return fmt.Errorf("%w: %q", ErrInvalidExampleID, id)
		}
	}
	return nil
}

// ordered returns the selected ids with catalog entries first in catalog
// order, followed by ids outside the catalog in selection order.
func (s ExampleSelection) ordered(catalog []string) []string {
	out := make([]string, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, id := range catalog {
		if s.Contains(id) {
			out = append(out, id)
			seen[id] = struct{}{}
		}
	}
	for _, id := range s {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, id)
		seen[id] = struct{}{}
	}
	return out
}

// Prompt is what one model call needs: a system prompt and the messages.
type Prompt struct {
	System   string
	Messages []chat.Message
}

// Assembler builds prompts for the explain, generate and update phases.
type Assembler struct {
	source ExampleSource
}

// NewAssembler creates an assembler. A nil source uses the embedded examples.
func NewAssembler(source ExampleSource) *Assembler {
	if source == nil {
		source = EmbeddedSource()
	}
	return &Assembler{source: source}
}

// Explain asks the model to describe the diagram.
func (a *Assembler) Explain(kind TemplateKind, img chat.Image) (Prompt, error) {
	profile, err := ProfileFor(kind)
	if err != nil {
		return Prompt{}, err
	}
	if len(img.Bytes) == 0 {
		return Prompt{}, ErrImageRequired
	}
	if _, err := chat.ParseImageFormat(string(img.Format)); err != nil {
		return Prompt{}, err
	}

	msg := chat.NewMessage(chat.RoleUser,
		chat.TextBlock(profile.ExplainInstruction),
		chat.ImageBlock(img),
	)
	return Prompt{System: profile.ExplainSystem, Messages: []chat.Message{msg}}, nil
}

// Generate asks for code from the explanation, with the selected examples as
// reference.
func (a *Assembler) Generate(ctx context.Context, kind TemplateKind, selection ExampleSelection, explanation string) (Prompt, error) {
	profile, err := ProfileFor(kind)
	if err != nil {
		return Prompt{}, err
	}
	if strings.TrimSpace(explanation) == "" {
		return Prompt{}, ErrExplanationRequired
	}

	blocks, err := a.exampleBlocks(ctx, profile, selection, generateExampleText)
	if err != nil {
		return Prompt{}, err
	}
	instruction := strings.ReplaceAll(profile.GenerateInstruction, explainPlaceholder, explanation)
	blocks = append(blocks, chat.TextBlock(instruction))

	return Prompt{
		System:   profile.GenerateSystem,
		Messages: []chat.Message{chat.NewMessage(chat.RoleUser, blocks...)},
	}, nil
}

// Update replays the explanation and the prior code as conversational
// context, then asks for the instruction to be applied.
func (a *Assembler) Update(ctx context.Context, kind TemplateKind, selection ExampleSelection, priorCode, explanation, instruction string) (Prompt, error) {
	profile, err := ProfileFor(kind)
	if err != nil {
		return Prompt{}, err
	}
	switch {
	case strings.TrimSpace(explanation) == "":
		return Prompt{}, ErrExplanationRequired
	case strings.TrimSpace(priorCode) == "":
		return Prompt{}, ErrCodeRequired
	case strings.TrimSpace(instruction) == "":
		return Prompt{}, ErrInstructionRequired
	}

	blocks, err := a.exampleBlocks(ctx, profile, selection, updateExampleText)
	if err != nil {
		return Prompt{}, err
	}
	blocks = append(blocks, chat.TextBlock(explainText(explanation)))

	request := strings.ReplaceAll(profile.UpdateInstruction, instructionPlaceholder, instruction)
	return Prompt{
		System: profile.UpdateSystem,
		Messages: []chat.Message{
			chat.NewMessage(chat.RoleUser, blocks...),
			chat.AssistantText(priorCode),
			chat.UserText(request),
		},
	}, nil
}

type exampleFormatter func(language, id, body string) string

func (a *Assembler) exampleBlocks(ctx context.Context, profile Profile, selection ExampleSelection, format exampleFormatter) ([]chat.ContentBlock, error) {
	if err := selection.Validate(); err != nil {
		return nil, err
	}
	ids := selection.ordered(profile.Examples)
	blocks := make([]chat.ContentBlock, 0, len(ids)+1)
	for _, id := range ids {
		body, err := a.source.ReadExample(ctx, profile.ExampleKey(id))
		if err != nil {
			return nil, fmt.Errorf("prompts: %s %s: %w", profile.Kind, id, err)
		}
		blocks = append(blocks, chat.TextBlock(format(profile.Language, id, body)))
	}
	return blocks, nil
}

func generateExampleText(language, id, body string) string {
	return fmt.Sprintf("Take this example %s code as reference:\n<%s>\n%s\n</%s>", language, id, body, id)
}

func updateExampleText(language, id, body string) string {
	return fmt.Sprintf("Take this example %s code as a reference <%s></%s>:\n<%s>\n%s\n</%s>", language, id, id, id, body, id)
}

func explainText(explanation string) string {
	return fmt.Sprintf("Step-by-step explanation of Architecture Diagram\n<explain>\n%s\n</explain>", explanation)
}
