// Package api exposes the relay over HTTP: the call API for clients, the
// Twilio webhooks, the media stream endpoint and a live event feed.
package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-callrelay/internal/log"
	"github.com/teslashibe/go-callrelay/pkg/bridge"
	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/calls"
	"github.com/teslashibe/go-callrelay/pkg/hub"
)

// Config controls the HTTP surface.
type Config struct {
	Port string

	// PublicBaseURL is the address Twilio signs webhook requests against.
	PublicBaseURL string

	// ValidateSignatures rejects Twilio webhooks without a valid
	// X-Twilio-Signature.
	ValidateSignatures bool

	// Debug adds per-request access logs.
	Debug bool

	Version string
}

// Server is the relay HTTP server.
type Server struct {
	app     *fiber.App
	cfg     Config
	calls   *calls.Service
	bridges *bridge.Manager
	events  *hub.Hub
	logger  *slog.Logger
}

// NewServer creates a Server and registers every route. bridges and events
// may be nil, which leaves their endpoints unmounted.
func NewServer(svc *calls.Service, bridges *bridge.Manager, events *hub.Hub, cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		calls:   svc,
		bridges: bridges,
		events:  events,
		logger:  log.Component("api"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "callrelay",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	app.Get("/healthz", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	api := app.Group("/api")
	api.Post("/calls", s.handleCreateCall)
	api.Get("/calls", s.handleListCalls)
	api.Get("/calls/:id", s.handleGetCall)
	api.Post("/calls/:id/hangup", s.handleHangup)

	tw := app.Group("/twilio")
	tw.Post("/voice/:id", s.verifyTwilio, s.handleVoice)
	tw.Post("/status", s.verifyTwilio, s.handleStatus)

	if bridges != nil {
		bridges.RegisterRoutes(app, "/media-stream")
	}

	if events != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/events", hub.Handler(events))
	}

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on the configured port until Shutdown.
func (s *Server) Listen() error {
	s.logger.Info("listening", "port", s.cfg.Port, "public_base_url", s.cfg.PublicBaseURL)
	return s.app.Listen(":" + s.cfg.Port)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	ProviderCode int    `json:"providerCode,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := callerr.HTTPStatus(err)
	code := callerr.Code(err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		code = "http_error"
	}

	body := errorBody{
		Error:     err.Error(),
		Code:      code,
		RequestID: requestID(c),
	}
	if pe, ok := callerr.IsProvider(err); ok {
		body.ProviderCode = pe.Code
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "status", status, "error", err, "request_id", body.RequestID)
	} else {
		s.logger.Debug("request rejected", "method", c.Method(), "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(body)
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
