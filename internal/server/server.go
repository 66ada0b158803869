// Package server exposes the coordinator over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"coldroom/internal/config"
	"coldroom/internal/coordinator"
	"coldroom/internal/models"
	"coldroom/internal/observability"
	"coldroom/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
)

// Coordinator is the part of the event loop the transport needs.
type Coordinator interface {
	Connect(ctx context.Context, connID string, sink session.Sink, remoteAddr string) error
	Disconnect(ctx context.Context, connID string) error
	Handle(ctx context.Context, connID string, frame []byte) error
	Settings(ctx context.Context) (models.Settings, error)
	Rooms(ctx context.Context) ([]models.RoomView, error)
	Stats(ctx context.Context) (coordinator.Stats, error)
	Ready(ctx context.Context) error
}

var (
	promOnce sync.Once
	prom     *fiberprometheus.FiberPrometheus
)

// metrics registers the HTTP collectors once per process.
func metrics() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		prom = fiberprometheus.New("coldroom-api")
	})
	return prom
}

// Server holds the HTTP surface and its dependencies.
type Server struct {
	config *config.Config
	coord  Coordinator
	redis  *redis.Client
	app    *fiber.App

	promMiddleware *fiberprometheus.FiberPrometheus
}

// NewServer builds the fiber app. rdb may be nil.
func NewServer(cfg *config.Config, coord Coordinator, rdb *redis.Client) *Server {
	s := &Server{
		config:         cfg,
		coord:          coord,
		redis:          rdb,
		promMiddleware: metrics(),
	}
	app := fiber.New(fiber.Config{
		AppName:               "Cold Room",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
	}
	observability.GlobalLogger.ErrorContext(c.UserContext(), "Unhandled request error",
		slog.String("path", c.Path()),
		slog.String("error", err.Error()),
	)
	return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(contextMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())
	app.Use(requestLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	app.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: !s.allowsAnyOrigin(),
		MaxAge:           86400,
	}))

	perMin := s.config.HTTPRatePerMin
	if perMin <= 0 {
		perMin = 120
	}
	app.Use(limiter.New(limiter.Config{
		Max:        perMin,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				models.NewLimitExceededError("Too many requests, please try again later."))
		},
	}))
}

func (s *Server) allowsAnyOrigin() bool {
	for _, o := range s.config.Origins() {
		if o == "*" {
			return true
		}
	}
	return false
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/settings", s.GetSettings)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	api.Get("/rooms", s.GetRooms)
	api.Get("/stats", s.GetStats)

	app.Use("/ws", upgradeRequired)
	app.Get("/ws", s.WebSocketHandler())
}

// Start listens on the configured port until Shutdown.
func (s *Server) Start() error {
	observability.GlobalLogger.Info("Server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting connections and closes the live ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), 5*time.Second)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports whether the loop, and Redis when configured, respond.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	loopStatus := "healthy"
	if err := s.coord.Ready(ctx); err != nil {
		loopStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if loopStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"coordinator": loopStatus,
			"redis":       redisStatus,
		},
		"time": time.Now(),
	})
}

// respondLoopError maps a failed coordinator read onto an HTTP error.
func respondLoopError(c *fiber.Ctx, err error) error {
	if errors.Is(err, coordinator.ErrStopped) || errors.Is(err, context.DeadlineExceeded) {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewTransientError("Service unavailable", err))
	}
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// GetSettings serves the global settings to the login screen.
func (s *Server) GetSettings(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	settings, err := s.coord.Settings(ctx)
	if err != nil {
		return respondLoopError(c, err)
	}
	return c.JSON(settings)
}

// GetRooms lists public room summaries.
func (s *Server) GetRooms(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	rooms, err := s.coord.Rooms(ctx)
	if err != nil {
		return respondLoopError(c, err)
	}
	return c.JSON(rooms)
}

// GetStats serves aggregate counters.
func (s *Server) GetStats(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	stats, err := s.coord.Stats(ctx)
	if err != nil {
		return respondLoopError(c, err)
	}
	return c.JSON(stats)
}
