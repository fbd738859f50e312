package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/arch2code/internal/chat"
	"github.com/wolfman30/arch2code/internal/conversation"
	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

const cliTestModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

type scriptedPrompter struct {
	lines   []string
	history []string
	closed  bool
}

func (s *scriptedPrompter) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedPrompter) AppendHistory(item string) { s.history = append(s.history, item) }

func (s *scriptedPrompter) Close() error {
	s.closed = true
	return nil
}

// phaseInvoker answers by the shape of the prompt: explain gets a
// description, everything else gets numbered code.
type phaseInvoker struct{ calls int }

func (p *phaseInvoker) Stream(_ context.Context, req conversation.InvokeRequest, sink conversation.Sink) (conversation.Result, error) {
	p.calls++
	text := "code v" + string(rune('0'+p.calls))
	if len(req.Messages) == 1 && len(req.Messages[0].Images()) > 0 {
		text = "a VPC with one subnet"
	}
	sink.Update(text)
	return conversation.Result{Text: text, Attempts: 1}, nil
}

func newTestSession(t *testing.T) *session {
	t.Helper()
	svc := conversation.NewService(prompts.NewAssembler(nil), &phaseInvoker{}, conversation.NewMemorySessionStore(),
		logging.Discard(), conversation.WithAllowedModels([]string{cliTestModel}))
	id, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	return &session{
		service: svc,
		id:      id,
		cfg: conversation.RequestConfig{
			ModelID:   cliTestModel,
			Template:  prompts.KindTerraform,
			Inference: chat.DefaultInference(),
		},
		close: func() {},
	}
}

func writeDiagram(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diagram.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600))
	return path
}

func TestREPLDiagramThenUpdate(t *testing.T) {
	sess := newTestSession(t)
	diagram := writeDiagram(t)
	saved := filepath.Join(t.TempDir(), "main.tf")

	var out bytes.Buffer
	prompter := &scriptedPrompter{lines: []string{
		"/diagram " + diagram,
		"add a NAT gateway",
		"/history",
		"/save " + saved,
		"/quit",
		"never read",
	}}
	require.NoError(t, newREPL(sess, &out).run(context.Background(), prompter))

	assert.True(t, prompter.closed)
	assert.Equal(t, []string{"never read"}, prompter.lines)
	text := out.String()
	assert.Contains(t, text, "== explain ==\na VPC with one subnet\n")
	assert.Contains(t, text, "== generate ==\n")
	assert.Contains(t, text, "== update ==\n")
	assert.Contains(t, text, "3. user: add a NAT gateway")

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	conv, err := sess.service.Get(context.Background(), sess.id)
	require.NoError(t, err)
	assert.Equal(t, conv.Code, string(data))
	assert.Equal(t, chat.StateHasCode, conv.State())
}

func TestREPLReportsErrorsAndContinues(t *testing.T) {
	sess := newTestSession(t)
	var out bytes.Buffer
	prompter := &scriptedPrompter{lines: []string{"add a bucket", "/bogus", "/code"}}
	require.NoError(t, newREPL(sess, &out).run(context.Background(), prompter))

	text := out.String()
	assert.Contains(t, text, "error: ")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "(no code yet)")
}

func TestREPLClearAllowsNewDiagram(t *testing.T) {
	sess := newTestSession(t)
	diagram := writeDiagram(t)
	ctx := context.Background()
	r := newREPL(sess, io.Discard)

	require.NoError(t, r.loadDiagram(ctx, diagram))
	err := r.handle(ctx, "/diagram "+diagram)
	assert.ErrorIs(t, err, conversation.ErrDiagramAlreadyLoaded)

	require.NoError(t, r.handle(ctx, "/clear"))
	require.NoError(t, r.handle(ctx, "/diagram "+diagram))
}

func TestReadDiagram(t *testing.T) {
	img, err := readDiagram(writeDiagram(t))
	require.NoError(t, err)
	assert.Equal(t, chat.ImageFormatPNG, img.Format)

	_, err = readDiagram(filepath.Join(t.TempDir(), "diagram.gif"))
	assert.ErrorIs(t, err, chat.ErrUnsupportedImageFormat)

	empty := filepath.Join(t.TempDir(), "empty.jpg")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = readDiagram(empty)
	assert.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "short", firstLine("short"))
	assert.Equal(t, "one...", firstLine("one\ntwo"))
	assert.Equal(t, strings.Repeat("x", 80)+"...", firstLine(strings.Repeat("x", 90)))

	wide := strings.Repeat("é", 79) + "ü区域"
	got := firstLine(wide)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 79)+"ü...", got)
	assert.Equal(t, strings.Repeat("é", 80), firstLine(strings.Repeat("é", 80)))
}

func TestExplainDiagramStreamsExplanationOnly(t *testing.T) {
	sess := newTestSession(t)
	img, err := readDiagram(writeDiagram(t))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, explainDiagram(context.Background(), sess, img, &out))
	assert.Equal(t, "a VPC with one subnet\n", out.String())

	conv, err := sess.service.Get(context.Background(), sess.id)
	require.NoError(t, err)
	assert.Equal(t, chat.StateExplained, conv.State())

	err = explainDiagram(context.Background(), sess, img, &out)
	assert.ErrorIs(t, err, conversation.ErrDiagramAlreadyLoaded)
}

func TestOpenSessionRejectsInvalidConfig(t *testing.T) {
	t.Setenv("RETRY_MAX_RETRIES", "-1")
	t.Setenv("BEDROCK_MODEL_ID", "")
	t.Setenv("ALLOWED_MODEL_IDS", "")

	root := newRootCmd()
	root.SetArgs([]string{"generate", writeDiagram(t)})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETRY_MAX_RETRIES")
}

func TestSettingsOnlyCarriesChangedFlags(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"templates", "--top-k", "40", "-t", "mermaid"})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Terraform")

	templates, _, err := root.Find([]string{"templates"})
	require.NoError(t, err)
	opts := &cliOptions{topK: 40, template: "mermaid", temperature: 0.7}
	s := opts.settings(templates)
	require.NotNil(t, s.TopK)
	assert.Equal(t, 40, *s.TopK)
	assert.Nil(t, s.Temperature)
	assert.Equal(t, "mermaid", s.Template)
}
