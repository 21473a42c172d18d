package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/logger"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// Server is the HTTP API server.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	addr   string
	tls    *TLSConfig
	ready  atomic.Bool
	start  time.Time
}

// TLSConfig holds the certificate pair for HTTPS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration // 0 for none; streamed responses can run long
	IdleTimeout    time.Duration
	MaxPayloadSize int64
	TLS            *TLSConfig
	EnablePprof    bool
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:           ":8000",
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxPayloadSize: 1 << 30,
	}
}

// NewServer creates a fiber server with the shared middleware installed.
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	bodyLimit := int(config.MaxPayloadSize)
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		AppName:               "traveler",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		// Uploads are decompressed by the handlers.
		DisablePreParseMultipartForm: true,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Content-Encoding",
	}))
	app.Use(securityHeaders())
	if config.EnablePprof {
		app.Use(pprof.New())
	}
	app.Use(requestLogger(logger))

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api-server").Logger(),
		addr:   config.Addr,
		tls:    config.TLS,
		start:  time.Now(),
	}
	app.Use(s.requireReady)
	return s
}

// restoringPrefixes are the routes that read or change datasets and so
// must wait until stored datasets are restored.
var restoringPrefixes = []string{"/api/v1/datasets", "/api/v1/schedulers"}

// requireReady answers 503 on dataset routes until SetReady(true).
func (s *Server) requireReady(c *fiber.Ctx) error {
	if s.ready.Load() {
		return c.Next()
	}
	path := strings.ToLower(c.Path())
	for _, prefix := range restoringPrefixes {
		if strings.HasPrefix(path, prefix) {
			c.Set(fiber.HeaderRetryAfter, "5")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "datasets are still being restored",
			})
		}
	}
	return c.Next()
}

// RegisterRoutes registers the operational endpoints. Feature handlers
// register their own routes on GetApp().
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Get().Handler()))
	s.app.Get("/api/v1/logs", s.logsHandler)
}

// SetReady flips the readiness flag. The server reports not ready until
// stored datasets have been restored.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.start)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

func (s *Server) readyHandler(c *fiber.Ctx) error {
	if !s.ready.Load() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "restoring",
		})
	}
	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(s.start).Seconds(),
	})
}

// logsHandler returns recent application logs, newest first.
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level")
	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	filter := logger.Filter{
		Limit:     limit,
		MinLevel:  zerolog.TraceLevel,
		Since:     time.Duration(sinceMinutes) * time.Minute,
		Component: c.Query("component"),
		Dataset:   c.Query("dataset"),
	}
	if level != "" {
		filter.MinLevel = logger.ParseLevel(level)
	}
	entries := logger.GetBuffer().Recent(filter)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// Start listens in the background. A listener failure is sent on the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.logger.Info().Str("addr", s.addr).Bool("tls", s.tls != nil).Msg("Starting traveler HTTP server")

	go func() {
		var err error
		if s.tls != nil {
			err = s.app.ListenTLS(s.addr, s.tls.CertFile, s.tls.KeyFile)
		} else {
			err = s.app.Listen(s.addr)
		}
		if err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for open requests until
// ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server gracefully...")
	s.SetReady(false)
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// GetApp returns the underlying fiber app.
func (s *Server) GetApp() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger records request metrics and logs failed requests only.
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else if status < 400 {
				status = fiber.StatusInternalServerError
			}
		}
		metrics.Get().ObserveRequest(c.Method(), c.Route().Path, status, duration)

		if status >= 400 {
			logEvent := logger.Warn()
			if status >= 500 {
				logEvent = logger.Error()
			}
			logEvent.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", duration).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
