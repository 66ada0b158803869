package server

import (
	"context"
	"errors"
	"log/slog"

	"coldroom/internal/coordinator"
	"coldroom/internal/notifications"
	"coldroom/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketHandler attaches one connection to the coordinator. Login happens
// over the socket, so the upgrade itself is anonymous.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		connID := "conn_" + uuid.NewString()
		ctx := observability.WithCorrelationID(context.Background(), connID)

		client := notifications.NewClient(conn, connID, conn.RemoteAddr().String(), notifications.ClientOptions{
			Hub:        "chat",
			RatePerSec: s.config.WSRatePerSec,
			Burst:      s.config.WSRateBurst,
		})
		client.IncomingHandler = func(c *notifications.Client, frame []byte) {
			if err := s.coord.Handle(ctx, c.ID, frame); err != nil {
				logLoopError(ctx, c.ID, "handle", err)
				c.Close()
			}
		}

		if err := s.coord.Connect(ctx, connID, client, client.RemoteAddr); err != nil {
			logLoopError(ctx, connID, "connect", err)
			_ = conn.Close()
			return
		}

		go client.WritePump()
		client.ReadPump(func(c *notifications.Client) {
			if err := s.coord.Disconnect(ctx, c.ID); err != nil {
				logLoopError(ctx, c.ID, "disconnect", err)
			}
		})
	})
}

func logLoopError(ctx context.Context, connID, op string, err error) {
	level := slog.LevelError
	if errors.Is(err, coordinator.ErrStopped) {
		level = slog.LevelDebug
	}
	observability.GlobalLogger.Log(ctx, level, "Coordinator rejected connection work",
		slog.String("connection_id", connID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}
