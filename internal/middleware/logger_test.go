package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	h := NewStructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("generates request id", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusTeapot, w.Code)
		require.NotEmpty(t, seen)
		require.Equal(t, seen, w.Header().Get(RequestIDHeader))
		require.Contains(t, buf.String(), `"path":"/health"`)
		require.Contains(t, buf.String(), `"status":418`)
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		h.ServeHTTP(w, req)

		require.Equal(t, "abc-123", seen)
		require.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	})
}
