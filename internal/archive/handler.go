package archive

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/arch2code/pkg/logging"
)

// Handler serves archived artifacts for a session.
type Handler struct {
	archiver *Archiver
	logger   *logging.Logger
}

func NewHandler(archiver *Archiver, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{archiver: archiver, logger: logger}
}

type artifactResponse struct {
	Record
	Code string `json:"code"`
}

// List handles GET /v1/sessions/{id}/artifacts.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.archiver.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"artifacts": records})
}

// Get handles GET /v1/sessions/{id}/artifacts/{artifactID}. With
// ?format=raw the code is returned as plain text.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, code, err := h.archiver.Fetch(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "artifactID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(code))
		return
	}
	h.writeJSON(w, http.StatusOK, artifactResponse{Record: rec, Code: code})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrIndexDisabled):
		status = http.StatusNotImplemented
	default:
		h.logger.Error("artifact lookup failed", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
