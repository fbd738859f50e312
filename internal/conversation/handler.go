package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/arch2code/internal/chat"
	httpmiddleware "github.com/wolfman30/arch2code/internal/http/middleware"
	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

const defaultMaxImageBytes int64 = 10 << 20

// Settings is the wire form of RequestConfig. Unset fields take the
// server defaults.
type Settings struct {
	ModelID     string   `json:"model_id,omitempty"`
	Template    string   `json:"template,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
}

// Resolve merges s over defaults.
func (s Settings) Resolve(defaults RequestConfig) (RequestConfig, error) {
	cfg := defaults
	cfg.Examples = append(prompts.ExampleSelection(nil), defaults.Examples...)
	if v := strings.TrimSpace(s.ModelID); v != "" {
		cfg.ModelID = v
	}
	if v := strings.TrimSpace(s.Template); v != "" {
		kind, err := prompts.ParseTemplateKind(v)
		if err != nil {
			return RequestConfig{}, err
		}
		cfg.Template = kind
	}
	if s.Examples != nil {
		cfg.Examples = prompts.ExampleSelection(s.Examples)
	}
	if s.Temperature != nil {
		cfg.Inference.Temperature = *s.Temperature
	}
	if s.TopP != nil {
		cfg.Inference.TopP = *s.TopP
	}
	if s.TopK != nil {
		cfg.Inference.TopK = *s.TopK
	}
	return cfg, nil
}

// FrameLimiter spends one unit of the caller's rate budget for r. It returns
// false and the wait until the next unit when the budget is exhausted.
type FrameLimiter func(r *http.Request) (bool, time.Duration)

// Handler wires HTTP requests to the conversation service.
type Handler struct {
	service       *Service
	defaults      RequestConfig
	maxImageBytes int64
	upgrader      websocket.Upgrader
	frameLimiter  FrameLimiter
	logger        *logging.Logger
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithMaxImageBytes caps uploaded diagram size.
func WithMaxImageBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxImageBytes = n
		}
	}
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins.
// "*" or an empty list allows any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = originChecker(origins)
	}
}

// WithFrameLimiter rate limits each model-calling WebSocket frame.
func WithFrameLimiter(fn FrameLimiter) HandlerOption {
	return func(h *Handler) { h.frameLimiter = fn }
}

// NewHandler creates a conversation handler.
func NewHandler(service *Service, defaults RequestConfig, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if service == nil {
		panic("conversation: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		service:       service,
		defaults:      defaults,
		maxImageBytes: defaultMaxImageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(nil),
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type templateInfo struct {
	Name      string   `json:"name"`
	Language  string   `json:"language"`
	Extension string   `json:"extension"`
	Examples  []string `json:"examples"`
}

type catalogResponse struct {
	Models    []string       `json:"models"`
	Templates []templateInfo `json:"templates"`
	Defaults  RequestConfig  `json:"defaults"`
}

// Catalog handles GET /v1/catalog.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	models := h.service.AllowedModels()
	if len(models) == 0 {
		models = []string{h.defaults.ModelID}
	}
	resp := catalogResponse{Models: models, Defaults: h.defaults}
	for _, p := range prompts.Profiles() {
		resp.Templates = append(resp.Templates, templateInfo{
			Name:      string(p.Kind),
			Language:  p.Language,
			Extension: p.Extension,
			Examples:  p.Examples,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.CreateSession(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

type historyEntry struct {
	Role chat.Role `json:"role"`
	Text string    `json:"text"`
}

type sessionResponse struct {
	SessionID   string         `json:"session_id"`
	State       chat.State     `json:"state"`
	Explanation string         `json:"explanation,omitempty"`
	Code        string         `json:"code,omitempty"`
	History     []historyEntry `json:"history"`
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := sessionResponse{
		SessionID:   id,
		State:       conv.State(),
		Explanation: conv.Explanation,
		Code:        conv.Code,
		History:     make([]historyEntry, 0, len(conv.Messages)),
	}
	for _, msg := range conv.History() {
		resp.History = append(resp.History, historyEntry{Role: msg.Role, Text: msg.FirstText()})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ClearSession handles DELETE /v1/sessions/{id}.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Clear(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadDiagram handles POST /v1/sessions/{id}/diagram. The body is
// multipart with an "image" file plus optional settings fields.
func (h *Handler) UploadDiagram(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxImageBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, errImageTooLarge)
			return
		}
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart body"))
		return
	}

	img, err := h.readImage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	settings, err := settingsFromForm(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	cfg, err := settings.Resolve(h.defaults)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.Submit(r.Context(), chi.URLParam(r, "id"), cfg, SubmitInput{Image: &img}, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type messageRequest struct {
	Instruction string   `json:"instruction"`
	Settings    Settings `json:"settings"`
}

// PostMessage handles POST /v1/sessions/{id}/messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode message request", "error", err)
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	cfg, err := req.Settings.Resolve(h.defaults)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.service.Submit(r.Context(), chi.URLParam(r, "id"), cfg, SubmitInput{Instruction: req.Instruction}, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// clientFrame is a message from a WebSocket client.
type clientFrame struct {
	Type        string   `json:"type"`
	Image       []byte   `json:"image,omitempty"`
	Format      string   `json:"format,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	Settings    Settings `json:"settings"`
}

// serverFrame is a message to a WebSocket client. Partial frames carry the
// full text generated so far for the phase.
type serverFrame struct {
	Type   string     `json:"type"`
	Phase  chat.Phase `json:"phase,omitempty"`
	Text   string     `json:"text,omitempty"`
	Error  string     `json:"error,omitempty"`
	Status int        `json:"status,omitempty"`
	// RetryAfter is set in seconds on rate-limited error frames.
	RetryAfter int      `json:"retry_after,omitempty"`
	Outcome    *Outcome `json:"outcome,omitempty"`
}

// Stream handles GET /v1/sessions/{id}/stream. Each client frame is
// processed to completion before the next is read.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.service.Get(r.Context(), sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxImageBytes*2 + 64<<10)

	ws := &frameWriter{conn: conn}
	ctx := r.Context()
	allow := func() (bool, time.Duration) { return true, 0 }
	if h.frameLimiter != nil {
		allow = func() (bool, time.Duration) { return h.frameLimiter(r) }
	}
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}
		if err := h.handleFrame(ctx, sessionID, frame, ws, allow); err != nil {
			h.logger.Warn("websocket write failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, sessionID string, frame clientFrame, ws *frameWriter, allow func() (bool, time.Duration)) error {
	switch frame.Type {
	case "clear":
		if err := h.service.Clear(ctx, sessionID); err != nil {
			return ws.writeErr(err)
		}
		return ws.write(serverFrame{Type: "cleared"})
	case "diagram", "instruction":
	default:
		return ws.write(serverFrame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", frame.Type), Status: http.StatusBadRequest})
	}

	if ok, wait := allow(); !ok {
		secs := max(int(wait.Round(time.Second).Seconds()), 1)
		h.logger.Warn("websocket frame rate limited", "session_id", sessionID, "retry_after", secs)
		return ws.write(serverFrame{Type: "error", Error: "rate limit exceeded", Status: http.StatusTooManyRequests, RetryAfter: secs})
	}

	cfg, err := frame.Settings.Resolve(h.defaults)
	if err != nil {
		return ws.writeErr(err)
	}
	var in SubmitInput
	if frame.Type == "diagram" {
		format, err := chat.ParseImageFormat(frame.Format)
		if err != nil {
			return ws.writeErr(err)
		}
		if int64(len(frame.Image)) > h.maxImageBytes {
			return ws.write(serverFrame{Type: "error", Error: "image too large", Status: http.StatusRequestEntityTooLarge})
		}
		in.Image = &chat.Image{Format: format, Bytes: frame.Image}
	} else {
		in.Instruction = frame.Instruction
	}

	var writeErr error
	sinks := func(phase chat.Phase) Sink {
		return SinkFunc(func(text string) {
			if writeErr == nil {
				writeErr = ws.write(serverFrame{Type: "partial", Phase: phase, Text: text})
			}
		})
	}
	out, err := h.service.Submit(ctx, sessionID, cfg, in, sinks)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		h.logger.Error("stream submit failed", "session_id", sessionID, "error", err)
		return ws.writeErr(err)
	}
	return ws.write(serverFrame{Type: "final", Text: out.Code, Outcome: &out})
}

type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (f *frameWriter) write(frame serverFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteJSON(frame)
}

func (f *frameWriter) writeErr(err error) error {
	return f.write(serverFrame{Type: "error", Error: err.Error(), Status: StatusForError(err)})
}

func (h *Handler) readImage(r *http.Request) (chat.Image, error) {
	file, header, err := r.FormFile("image")
	if err != nil {
		return chat.Image{}, prompts.ErrImageRequired
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		return chat.Image{}, fmt.Errorf("conversation: read image: %w", err)
	}
	if int64(len(data)) > h.maxImageBytes {
		return chat.Image{}, errImageTooLarge
	}

	format, err := chat.ParseImageFormat(header.Header.Get("Content-Type"))
	if err != nil {
		format, err = chat.ParseImageFormat(filepath.Ext(header.Filename))
		if err != nil {
			return chat.Image{}, err
		}
	}
	return chat.Image{Format: format, Bytes: data}, nil
}

var errImageTooLarge = errors.New("conversation: image too large")

func settingsFromForm(r *http.Request) (Settings, error) {
	var s Settings
	s.ModelID = r.FormValue("model_id")
	s.Template = r.FormValue("template")
	if values, ok := r.MultipartForm.Value["examples"]; ok {
		s.Examples = []string{}
		for _, v := range values {
			for _, id := range strings.Split(v, ",") {
				if id = strings.TrimSpace(id); id != "" {
					s.Examples = append(s.Examples, id)
				}
			}
		}
	}
	if v := r.FormValue("temperature"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid temperature %q", v)
		}
		t := float32(f)
		s.Temperature = &t
	}
	if v := r.FormValue("top_p"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid top_p %q", v)
		}
		p := float32(f)
		s.TopP = &p
	}
	if v := r.FormValue("top_k"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid top_k %q", v)
		}
		s.TopK = &k
	}
	return s, nil
}

// StatusForError maps service errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDiagramAlreadyLoaded):
		return http.StatusConflict
	case errors.Is(err, errImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrModelNotAllowed),
		errors.Is(err, ErrInstructionRejected),
		errors.Is(err, chat.ErrInvalidInference),
		errors.Is(err, chat.ErrUnsupportedImageFormat),
		errors.Is(err, prompts.ErrUnknownTemplate),
		errors.Is(err, prompts.ErrInvalidExampleID),
		errors.Is(err, prompts.ErrImageRequired),
		errors.Is(err, prompts.ErrInstructionRequired),
		errors.Is(err, prompts.ErrExplanationRequired),
		errors.Is(err, prompts.ErrCodeRequired):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrModelFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	attrs := []any{"path", r.URL.Path, "request_id", httpmiddleware.RequestIDFromContext(r.Context()), "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Warn("request rejected", attrs...)
	}
	h.writeJSON(w, status, errorBody(err.Error()))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	_, wildcard := allowed["*"]
	return func(r *http.Request) bool {
		if wildcard || len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
