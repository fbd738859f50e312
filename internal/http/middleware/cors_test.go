package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSOrigins(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantHeader string
	}{
		{name: "listed", allowed: []string{"https://app.example.com"}, origin: "https://app.example.com", wantHeader: "https://app.example.com"},
		{name: "trailing slash in config", allowed: []string{"https://app.example.com/"}, origin: "https://app.example.com", wantHeader: "https://app.example.com"},
		{name: "unknown", allowed: []string{"https://app.example.com"}, origin: "https://evil.example", wantHeader: ""},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://random.example", wantHeader: "https://random.example"},
		{name: "no origin header", allowed: []string{"*"}, origin: "", wantHeader: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(http.MethodGet, "/v1/catalog", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tc.allowed)(okHandler(&called)).ServeHTTP(rec, req)

			assert.True(t, called)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.wantHeader, rec.Header().Get("Access-Control-Allow-Origin"))
			if tc.wantHeader != "" {
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
				assert.Equal(t, "X-Request-ID", rec.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	CORS([]string{"https://app.example.com"})(okHandler(&called)).ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestCORSPreflightFromUnknownOrigin(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	CORS([]string{"https://app.example.com"})(okHandler(&called)).ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
