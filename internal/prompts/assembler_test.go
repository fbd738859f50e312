package prompts

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/arch2code/internal/chat"
)

func testSource() *FSSource {
	return NewFSSource(fstest.MapFS{
		"cloudformation/example1.yaml": {Data: []byte("CFN_ONE")},
		"cloudformation/example2.yaml": {Data: []byte("CFN_TWO")},
		"cloudformation/example3.yaml": {Data: []byte("CFN_THREE")},
		"cloudformation/example4.yaml": {Data: []byte("CFN_FOUR")},
		"cloudformation/custom.yaml":   {Data: []byte("CFN_CUSTOM")},
		"terraform/example1.hcl":       {Data: []byte("TF_ONE")},
		"mermaid/example1.mmd":         {Data: []byte("MMD_ONE")},
	})
}

func joinedText(msg chat.Message) string {
	var parts []string
	for _, b := range msg.Content {
		if !b.IsImage() {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestParseTemplateKind(t *testing.T) {
	kind, err := ParseTemplateKind("terraform")
	require.NoError(t, err)
	assert.Equal(t, KindTerraform, kind)

	kind, err = ParseTemplateKind(" CloudFormation ")
	require.NoError(t, err)
	assert.Equal(t, KindCloudFormation, kind)

	kind, err = ParseTemplateKind("terraform-fedramp")
	require.NoError(t, err)
	assert.Equal(t, KindTerraformFedRAMP, kind)

	_, err = ParseTemplateKind("pulumi")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestProfilesAreDistinctPerKind(t *testing.T) {
	seen := map[string]TemplateKind{}
	for _, p := range Profiles() {
		for _, text := range []string{p.GenerateSystem, p.GenerateInstruction, p.UpdateSystem, p.UpdateInstruction} {
			require.NotEmpty(t, text, p.Kind)
			if other, dup := seen[text]; dup {
				t.Fatalf("%s shares a prompt with %s", p.Kind, other)
			}
			seen[text] = p.Kind
		}
		assert.Contains(t, p.GenerateInstruction, explainPlaceholder)
		assert.Contains(t, p.UpdateInstruction, instructionPlaceholder)
	}

	cfn, _ := ProfileFor(KindCloudFormation)
	tf, _ := ProfileFor(KindTerraform)
	mmd, _ := ProfileFor(KindMermaid)
	assert.Contains(t, cfn.GenerateSystem, "CloudFormation")
	assert.Contains(t, tf.GenerateSystem, "Terraform")
	assert.Contains(t, mmd.GenerateSystem, "Mermaid")
	assert.Len(t, mmd.Examples, 1)
	assert.Len(t, cfn.Examples, 4)
}

func TestProfileForUnknownKind(t *testing.T) {
	_, err := ProfileFor(TemplateKind("Pulumi"))
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	_, err = NewAssembler(testSource()).Generate(context.Background(), "Pulumi", nil, "x")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestExplainPNGScenario(t *testing.T) {
	a := NewAssembler(testSource())
	img := chat.Image{Format: chat.ImageFormatPNG, Bytes: []byte{0x89, 'P', 'N', 'G'}}

	p, err := a.Explain(KindCloudFormation, img)
	require.NoError(t, err)

	profile, _ := ProfileFor(KindCloudFormation)
	assert.Equal(t, profile.ExplainSystem, p.System)
	require.Len(t, p.Messages, 1)
	msg := p.Messages[0]
	assert.Equal(t, chat.RoleUser, msg.Role)
	require.NoError(t, msg.Validate())

	images := msg.Images()
	require.Len(t, images, 1)
	assert.Equal(t, chat.ImageFormat("png"), images[0].Format)
	assert.Equal(t, profile.ExplainInstruction, msg.FirstText())
}

func TestExplainRejectsMissingImage(t *testing.T) {
	a := NewAssembler(testSource())
	_, err := a.Explain(KindTerraform, chat.Image{Format: chat.ImageFormatPNG})
	assert.ErrorIs(t, err, ErrImageRequired)

	_, err = a.Explain(KindTerraform, chat.Image{Format: "gif", Bytes: []byte{1}})
	assert.ErrorIs(t, err, chat.ErrUnsupportedImageFormat)
}

func TestGenerateIncludesOnlySelectedExamples(t *testing.T) {
	a := NewAssembler(testSource())
	ctx := context.Background()

	selections := []ExampleSelection{
		nil,
		{"example2"},
		{"example3", "example1"},
		{"example1", "example2", "example3", "example4"},
	}
	all := map[string]string{"example1": "CFN_ONE", "example2": "CFN_TWO", "example3": "CFN_THREE", "example4": "CFN_FOUR"}

	for _, sel := range selections {
		p, err := a.Generate(ctx, KindCloudFormation, sel, "EXPLANATION")
		require.NoError(t, err)
		require.Len(t, p.Messages, 1)
		msg := p.Messages[0]
		require.Len(t, msg.Content, len(sel)+1)

		text := joinedText(msg)
		for id, body := range all {
			if sel.Contains(id) {
				assert.Contains(t, text, "<"+id+">")
				assert.Contains(t, text, body)
			} else {
				assert.NotContains(t, text, "<"+id+">")
				assert.NotContains(t, text, body)
			}
		}

		last := msg.Content[len(msg.Content)-1].Text
		assert.Contains(t, last, "EXPLANATION")
		assert.NotContains(t, last, explainPlaceholder)
	}
}

func TestGenerateOrdersExamplesByCatalog(t *testing.T) {
	a := NewAssembler(testSource())
	p, err := a.Generate(context.Background(), KindCloudFormation, ExampleSelection{"custom", "example3", "example1", "example1"}, "EXPLANATION")
	require.NoError(t, err)

	content := p.Messages[0].Content
	require.Len(t, content, 4)
	assert.Contains(t, content[0].Text, "CFN_ONE")
	assert.Contains(t, content[1].Text, "CFN_THREE")
	assert.Contains(t, content[2].Text, "CFN_CUSTOM")
}

func TestGenerateMissingReferenceAborts(t *testing.T) {
	a := NewAssembler(testSource())
	_, err := a.Generate(context.Background(), KindMermaid, ExampleSelection{"example1", "example3"}, "EXPLANATION")
	assert.ErrorIs(t, err, ErrMissingReference)

	_, err = a.Generate(context.Background(), KindCloudFormation, ExampleSelection{"../secret"}, "EXPLANATION")
	assert.ErrorIs(t, err, ErrInvalidExampleID)

	_, err = a.Generate(context.Background(), KindCloudFormation, nil, "  ")
	assert.ErrorIs(t, err, ErrExplanationRequired)
}

func TestGenerateSystemPromptPerKind(t *testing.T) {
	a := NewAssembler(testSource())
	for _, kind := range []TemplateKind{KindCloudFormation, KindTerraform, KindMermaid} {
		p, err := a.Generate(context.Background(), kind, nil, "EXPLANATION")
		require.NoError(t, err)
		profile, _ := ProfileFor(kind)
		assert.Equal(t, profile.GenerateSystem, p.System)
	}
}

func TestUpdateScenario(t *testing.T) {
	a := NewAssembler(testSource())
	p, err := a.Update(context.Background(), KindTerraform, ExampleSelection{"example1"}, "CODE_V1", "ORIGINAL_EXPLANATION", "add an S3 bucket")
	require.NoError(t, err)

	profile, _ := ProfileFor(KindTerraform)
	assert.Equal(t, profile.UpdateSystem, p.System)
	require.Len(t, p.Messages, 3)

	first := p.Messages[0]
	assert.Equal(t, chat.RoleUser, first.Role)
	assert.Contains(t, joinedText(first), "TF_ONE")
	assert.Contains(t, first.Content[len(first.Content)-1].Text, "<explain>\nORIGINAL_EXPLANATION\n</explain>")

	assistant := p.Messages[1]
	assert.Equal(t, chat.RoleAssistant, assistant.Role)
	require.Len(t, assistant.Content, 1)
	assert.Equal(t, "CODE_V1", assistant.Content[0].Text)

	last := p.Messages[2]
	assert.Equal(t, chat.RoleUser, last.Role)
	assert.Contains(t, last.FirstText(), "add an S3 bucket")
	assert.NotContains(t, last.FirstText(), instructionPlaceholder)

	for _, m := range p.Messages {
		require.NoError(t, m.Validate())
	}
}

func TestUpdateRequiresPayload(t *testing.T) {
	a := NewAssembler(testSource())
	ctx := context.Background()

	_, err := a.Update(ctx, KindTerraform, nil, "", "explain", "do it")
	assert.ErrorIs(t, err, ErrCodeRequired)
	_, err = a.Update(ctx, KindTerraform, nil, "code", "", "do it")
	assert.ErrorIs(t, err, ErrExplanationRequired)
	_, err = a.Update(ctx, KindTerraform, nil, "code", "explain", " ")
	assert.ErrorIs(t, err, ErrInstructionRequired)
}

func TestEmbeddedExamplesCoverCatalog(t *testing.T) {
	src := EmbeddedSource()
	for _, p := range Profiles() {
		for _, id := range p.Examples {
			body, err := src.ReadExample(context.Background(), p.ExampleKey(id))
			require.NoError(t, err, "%s %s", p.Kind, id)
			assert.NotEmpty(t, body)
		}
	}
}
