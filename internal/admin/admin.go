// Package admin serves the HTTP health and stats endpoints of wsecho.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rawsocket/websocket"
)

// StatsSource is implemented by *websocket.Server.
type StatsSource interface {
	Stats() websocket.Stats
}

// NewRouter returns the admin router.
//
//	GET /healthz  liveness with uptime
//	GET /stats    the websocket.Stats of src
func NewRouter(src StatsSource, log zerolog.Logger) *gin.Engine {
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Stats())
	})

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := log.Debug()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}
