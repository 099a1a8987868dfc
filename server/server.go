// Package server exposes the prior lattices and the decode stage over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/inference"
)

// Config controls the HTTP listener.
type Config struct {
	// Addr is the listen address.
	Addr string `json:"addr" yaml:"addr"`
	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	// ShutdownTimeout bounds the graceful drain once Run's context ends.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
	// MaxPriors caps the boxes returned by one priors request.
	MaxPriors int `json:"max_priors" yaml:"max_priors"`
}

// DefaultConfig listens on :8080 with 64 MiB bodies.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxBodyBytes:      64 << 20,
		MaxPriors:         1000,
	}
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *zap.Logger
	engine inference.Engine
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithEngine enables POST /v1/detect.
func WithEngine(e inference.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// New creates a server and registers its routes.
//
// Arguments:
//   - cfg: The listener configuration; zero fields take DefaultConfig values.
//   - opts: Logger and engine options.
//
// Returns:
//   - *Server: The server.
func New(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxPriors == 0 {
		cfg.MaxPriors = def.MaxPriors
	}

	s := &Server{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.limitBody())
	r.GET("/healthz", s.health)
	v1 := r.Group("/v1")
	v1.GET("/models", s.listModels)
	v1.GET("/priors/:model", s.getPriors)
	v1.POST("/decode", s.decode)
	v1.POST("/detect", s.detect)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
		}
		c.Next()
	}
}
