package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rawsocket/websocket"
	"github.com/rawsocket/websocket/internal/test/assert"
)

type staticStats websocket.Stats

func (s staticStats) Stats() websocket.Stats {
	return websocket.Stats(s)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)

	exp := websocket.Stats{
		Active:   2,
		Accepted: 5,
		Rejected: 1,
		Messages: 42,
	}
	r := NewRouter(staticStats(exp), zerolog.Nop())

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, "status", http.StatusOK, w.Code)

		var body map[string]string
		err := json.Unmarshal(w.Body.Bytes(), &body)
		assert.Success(t, err)
		assert.Equal(t, "health", "ok", body["status"])
	})

	t.Run("stats", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		assert.Equal(t, "status", http.StatusOK, w.Code)

		var got websocket.Stats
		err := json.Unmarshal(w.Body.Bytes(), &got)
		assert.Success(t, err)
		assert.Equal(t, "stats", exp, got)
	})

	t.Run("notFound", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, "status", http.StatusNotFound, w.Code)
	})
}
