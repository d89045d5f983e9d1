// Package server is the thin HTTP surface over the verification
// pipeline: it decodes requests, dispatches, and encodes results.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tee-verify/pipeline"
	"tee-verify/shared"
)

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr    string
	FetchTimeout  time.Duration
	MaxFetchBytes int64
}

// ConfigFromEnv builds the server configuration from environment
// variables.
func ConfigFromEnv() Config {
	return Config{
		ListenAddr:    shared.GetEnvOrDefault("LISTEN_ADDR", ":8080"),
		FetchTimeout:  time.Duration(shared.GetEnvIntOrDefault("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxFetchBytes: int64(shared.GetEnvIntOrDefault("MAX_FETCH_BYTES", 64<<20)),
	}
}

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(p *pipeline.Pipeline, cfg Config, logger *shared.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	fetcher := NewFetcher(cfg.FetchTimeout, cfg.MaxFetchBytes)

	r.GET("/health", HandleHealth(p))
	r.POST("/evaluate", HandleEvaluate(p, fetcher))
	r.POST("/verify", HandleVerify(p))

	return r
}

// requestLogger logs one line per request through the shared zap
// wrapper instead of gin's default writer.
func requestLogger(logger *shared.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoIf("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
