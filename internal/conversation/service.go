package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/arch2code/internal/archive"
	"github.com/wolfman30/arch2code/internal/chat"
	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

var (
	// ErrDiagramAlreadyLoaded is returned when a diagram is submitted to a
	// session that has already been explained. Clear resets it.
	ErrDiagramAlreadyLoaded = errors.New("conversation: diagram already loaded for session")
	// ErrModelNotAllowed is returned for model ids outside the configured list.
	ErrModelNotAllowed = errors.New("conversation: model not allowed")
	// ErrModelFailure wraps every error returned by the model invoker.
	ErrModelFailure = errors.New("conversation: model invocation failed")
	// ErrEmptyCompletion is returned when a phase streams no text. The
	// session is left as it was.
	ErrEmptyCompletion = errors.New("conversation: model returned no text")
)

// RequestConfig is the immutable per-request configuration.
type RequestConfig struct {
	ModelID   string                   `json:"model_id"`
	Template  prompts.TemplateKind     `json:"template"`
	Examples  prompts.ExampleSelection `json:"examples"`
	Inference chat.InferenceParameters `json:"inference"`
}

// Validate checks the configuration against the allowed model list. An empty
// list allows any model.
func (c RequestConfig) Validate(allowedModels []string) error {
	if strings.TrimSpace(c.ModelID) == "" {
		return fmt.Errorf("%w: model id is empty", ErrModelNotAllowed)
	}
	if len(allowedModels) > 0 && !containsString(allowedModels, c.ModelID) {
		return fmt.Errorf("%w: %s", ErrModelNotAllowed, c.ModelID)
	}
	if _, err := prompts.ProfileFor(c.Template); err != nil {
		return err
	}
	if err := c.Examples.Validate(); err != nil {
		return err
	}
	return c.Inference.Validate()
}

// SubmitInput is one user turn: a diagram upload or a text instruction.
type SubmitInput struct {
	Image       *chat.Image
	Instruction string
}

// Outcome is what a Submit produced.
type Outcome struct {
	SessionID   string       `json:"session_id"`
	Phases      []chat.Phase `json:"phases"`
	Explanation string       `json:"explanation,omitempty"`
	Code        string       `json:"code,omitempty"`
	State       chat.State   `json:"state"`
}

// SinkFactory returns the display sink for one phase. It may return nil.
type SinkFactory func(phase chat.Phase) Sink

// PhaseRecorder receives per-phase measurements.
type PhaseRecorder interface {
	ObservePhase(phase, template, model, outcome string, elapsed time.Duration)
	ObserveTokens(model string, input, output int32)
}

// ArtifactArchiver stores generated code.
type ArtifactArchiver interface {
	Archive(ctx context.Context, artifact archive.Artifact) error
}

// Option customises a Service.
type Option func(*Service)

// WithRecorder wires metrics.
func WithRecorder(r PhaseRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithArchiver stores every generated or updated artifact.
func WithArchiver(a ArtifactArchiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithAllowedModels restricts the model ids a request may use.
func WithAllowedModels(ids []string) Option {
	return func(s *Service) { s.allowedModels = append([]string(nil), ids...) }
}

// WithMaxTokens overrides the per-call output cap.
func WithMaxTokens(n int32) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithTracer overrides the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Service orchestrates explain, generate and update for each session.
type Service struct {
	assembler     *prompts.Assembler
	invoker       Invoker
	store         SessionStore
	logger        *logging.Logger
	recorder      PhaseRecorder
	archiver      ArtifactArchiver
	allowedModels []string
	maxTokens     int32
	tracer        trace.Tracer
	newID         func() string
	locks         *keyedMutex
}

func NewService(assembler *prompts.Assembler, invoker Invoker, store SessionStore, logger *logging.Logger, opts ...Option) *Service {
	if invoker == nil {
		panic("conversation: invoker cannot be nil")
	}
	if assembler == nil {
		assembler = prompts.NewAssembler(nil)
	}
	if store == nil {
		store = NewMemorySessionStore()
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		assembler: assembler,
		invoker:   invoker,
		store:     store,
		logger:    logger,
		maxTokens: DefaultMaxTokens,
		tracer:    otel.Tracer("arch2code.internal.conversation"),
		newID:     uuid.NewString,
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AllowedModels returns the configured model list.
func (s *Service) AllowedModels() []string {
	return append([]string(nil), s.allowedModels...)
}

// CreateSession starts an empty conversation and returns its id.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	id := s.newID()
	if err := s.store.Save(ctx, id, &chat.Conversation{}); err != nil {
		return "", err
	}
	s.logger.Info("session created", "session_id", id)
	return id, nil
}

// Get returns a snapshot of the session.
func (s *Service) Get(ctx context.Context, sessionID string) (*chat.Conversation, error) {
	return s.store.Load(ctx, sessionID)
}

// History returns the session's messages in order.
func (s *Service) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	conv, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conv.History(), nil
}

// Clear resets the session to empty. Clearing an empty session is a no-op.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	conv, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	conv.Clear()
	if err := s.store.Save(ctx, sessionID, conv); err != nil {
		return err
	}
	s.logger.Info("session cleared", "session_id", sessionID)
	return nil
}

// Submit routes one user turn. Without history the diagram is explained
// (unless an explanation is already cached) and code is generated; with
// history the instruction updates the current code.
func (s *Service) Submit(ctx context.Context, sessionID string, cfg RequestConfig, in SubmitInput, sinks SinkFactory) (Outcome, error) {
	if err := cfg.Validate(s.allowedModels); err != nil {
		return Outcome{}, err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	conv, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if sinks == nil {
		sinks = func(chat.Phase) Sink { return Discard }
	}

	out := Outcome{SessionID: sessionID}
	if conv.HasHistory() {
		if in.Image != nil {
			return Outcome{}, ErrDiagramAlreadyLoaded
		}
		if err := s.update(ctx, sessionID, conv, cfg, in.Instruction, sinks(chat.PhaseUpdate)); err != nil {
			return Outcome{}, err
		}
		out.Phases = []chat.Phase{chat.PhaseUpdate}
		return fillOutcome(out, conv), nil
	}

	switch {
	case in.Image != nil && conv.HasExplanation():
		return Outcome{}, ErrDiagramAlreadyLoaded
	case in.Image != nil:
		if err := s.explain(ctx, sessionID, conv, cfg, *in.Image, sinks(chat.PhaseExplain)); err != nil {
			return Outcome{}, err
		}
		out.Phases = append(out.Phases, chat.PhaseExplain)
	case !conv.HasExplanation():
		return Outcome{}, prompts.ErrImageRequired
	}

	if err := s.generate(ctx, sessionID, conv, cfg, sinks(chat.PhaseGenerate)); err != nil {
		return fillOutcome(out, conv), err
	}
	out.Phases = append(out.Phases, chat.PhaseGenerate)
	return fillOutcome(out, conv), nil
}

// Explain runs only the explain phase and caches the explanation. A later
// Submit without an image generates code from it.
func (s *Service) Explain(ctx context.Context, sessionID string, cfg RequestConfig, img chat.Image, sink Sink) (string, error) {
	if err := cfg.Validate(s.allowedModels); err != nil {
		return "", err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	conv, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if conv.HasExplanation() {
		return "", ErrDiagramAlreadyLoaded
	}
	if err := s.explain(ctx, sessionID, conv, cfg, img, sink); err != nil {
		return "", err
	}
	return conv.Explanation, nil
}

func (s *Service) explain(ctx context.Context, sessionID string, conv *chat.Conversation, cfg RequestConfig, img chat.Image, sink Sink) error {
	prompt, err := s.assembler.Explain(cfg.Template, img)
	if err != nil {
		return err
	}
	res, err := s.run(ctx, sessionID, chat.PhaseExplain, cfg, prompt, sink)
	if err != nil {
		return err
	}

	next := conv.Clone()
	next.SetExplanation(res.Text)
	if err := s.store.Save(ctx, sessionID, next); err != nil {
		return err
	}
	*conv = *next
	return nil
}

func (s *Service) generate(ctx context.Context, sessionID string, conv *chat.Conversation, cfg RequestConfig, sink Sink) error {
	if conv.HasHistory() {
		return fmt.Errorf("conversation: session %s already has code; send an instruction instead", sessionID)
	}
	prompt, err := s.assembler.Generate(ctx, cfg.Template, cfg.Examples, conv.Explanation)
	if err != nil {
		return err
	}
	res, err := s.run(ctx, sessionID, chat.PhaseGenerate, cfg, prompt, sink)
	if err != nil {
		return err
	}

	next := conv.Clone()
	next.RecordExchange(lastUserText(prompt.Messages), res.Text)
	if err := s.store.Save(ctx, sessionID, next); err != nil {
		return err
	}
	*conv = *next
	s.archive(ctx, sessionID, chat.PhaseGenerate, cfg, "", res)
	return nil
}

func (s *Service) update(ctx context.Context, sessionID string, conv *chat.Conversation, cfg RequestConfig, instruction string, sink Sink) error {
	if strings.TrimSpace(instruction) == "" {
		return prompts.ErrInstructionRequired
	}
	scan := ScanInstruction(instruction)
	if scan.Blocked {
		s.logger.Warn("instruction rejected", "session_id", sessionID, "score", scan.Score, "reasons", scan.Reasons)
		return fmt.Errorf("%w: %s", ErrInstructionRejected, strings.Join(scan.Reasons, ", "))
	}
	instruction = scan.Sanitized
	prompt, err := s.assembler.Update(ctx, cfg.Template, cfg.Examples, conv.Code, conv.Explanation, instruction)
	if err != nil {
		return err
	}
	res, err := s.run(ctx, sessionID, chat.PhaseUpdate, cfg, prompt, sink)
	if err != nil {
		return err
	}

	next := conv.Clone()
	next.RecordExchange(instruction, res.Text)
	if err := s.store.Save(ctx, sessionID, next); err != nil {
		return err
	}
	*conv = *next
	s.archive(ctx, sessionID, chat.PhaseUpdate, cfg, instruction, res)
	return nil
}

func (s *Service) run(ctx context.Context, sessionID string, phase chat.Phase, cfg RequestConfig, prompt prompts.Prompt, sink Sink) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "conversation."+string(phase), trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("template", string(cfg.Template)),
		attribute.String("model_id", cfg.ModelID),
	))
	defer span.End()

	start := time.Now()
	res, err := s.invoker.Stream(ctx, InvokeRequest{
		ModelID:   cfg.ModelID,
		System:    prompt.System,
		Messages:  prompt.Messages,
		Inference: cfg.Inference,
		MaxTokens: s.maxTokens,
	}, sinkOrDiscard(sink))
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = ErrEmptyCompletion
	}

	outcome := "success"
	if err != nil {
		outcome = outcomeFor(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if s.recorder != nil {
		s.recorder.ObservePhase(string(phase), string(cfg.Template), cfg.ModelID, outcome, elapsed)
		if err == nil {
			s.recorder.ObserveTokens(cfg.ModelID, res.Usage.InputTokens, res.Usage.OutputTokens)
		}
	}

	if err != nil {
		s.logger.Error("model phase failed",
			"session_id", sessionID,
			"phase", phase,
			"template", cfg.Template,
			"model", cfg.ModelID,
			"error", err,
		)
		return Result{}, fmt.Errorf("%w: %w", ErrModelFailure, err)
	}
	s.logger.Info("model phase completed",
		"session_id", sessionID,
		"phase", phase,
		"template", cfg.Template,
		"model", cfg.ModelID,
		"attempts", res.Attempts,
		"output_tokens", res.Usage.OutputTokens,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (s *Service) archive(ctx context.Context, sessionID string, phase chat.Phase, cfg RequestConfig, instruction string, res Result) {
	if s.archiver == nil {
		return
	}
	artifact := archive.Artifact{
		SessionID:   sessionID,
		Phase:       string(phase),
		Template:    string(cfg.Template),
		ModelID:     cfg.ModelID,
		Instruction: instruction,
		Code:        res.Text,
		CreatedAt:   time.Now().UTC(),
	}
	// Archiving is best effort; the session already holds the code.
	if err := s.archiver.Archive(ctx, artifact); err != nil {
		s.logger.Warn("failed to archive artifact", "session_id", sessionID, "phase", phase, "error", err)
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, prompts.ErrMissingReference):
		return "missing_reference"
	case errors.Is(err, ErrEmptyCompletion):
		return "empty_completion"
	default:
		return "error"
	}
}

func fillOutcome(out Outcome, conv *chat.Conversation) Outcome {
	out.Explanation = conv.Explanation
	out.Code = conv.Code
	out.State = conv.State()
	return out
}

func lastUserText(messages []chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != chat.RoleUser {
			continue
		}
		for j := len(messages[i].Content) - 1; j >= 0; j-- {
			if block := messages[i].Content[j]; !block.IsImage() && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// keyedMutex serialises work per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
