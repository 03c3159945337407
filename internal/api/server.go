package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/acme/campaign-dispatcher/internal/api/handlers"
	"github.com/acme/campaign-dispatcher/internal/config"
)

// Server wraps the Fiber application.
type Server struct {
	app      *fiber.App
	port     int
	handlers *handlers.HandlerSet
}

// NewServer constructs a new HTTP server.
func NewServer(cfg config.HTTPConfig, handlers *handlers.HandlerSet) *Server {
	return &Server{app: NewApp(cfg, handlers), port: cfg.Port, handlers: handlers}
}

// NewApp builds the Fiber application with every route registered.
func NewApp(cfg config.HTTPConfig, handlers *handlers.HandlerSet) *fiber.App {
	fcfg := fiber.Config{
		AppName:      "campaign-dispatcher",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: handlers.ErrorHandler,
	}
	if cfg.BodyLimit > 0 {
		fcfg.BodyLimit = cfg.BodyLimit
	}

	app := fiber.New(fcfg)
	app.Use(recover.New())
	app.Use(otelfiber.Middleware())
	handlers.Register(app)
	return app
}

// Start begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
