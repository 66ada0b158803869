package notifications

import (
	"log/slog"
	"sync"
	"time"

	"coldroom/internal/models"
	"coldroom/internal/observability"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	defaultBuffer = 256
)

var dropNotice = []byte(`{"event":"messages-dropped","data":{"reason":"buffer_full"}}`)

// ClientOptions tune one connection.
type ClientOptions struct {
	Hub    string
	Buffer int
	// RatePerSec and Burst bound inbound commands. Zero disables the limit.
	RatePerSec float64
	Burst      int
}

// Client is a middleman between the websocket connection and the coordinator.
type Client struct {
	ID         string
	RemoteAddr string

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// Callback for handling incoming frames that passed flood control.
	IncomingHandler func(*Client, []byte)

	hub       string
	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new Client instance
func NewClient(conn *websocket.Conn, id, remoteAddr string, opts ClientOptions) *Client {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Hub == "" {
		opts.Hub = "chat"
	}
	c := &Client{
		ID:         id,
		RemoteAddr: remoteAddr,
		Conn:       conn,
		Send:       make(chan []byte, opts.Buffer),
		hub:        opts.Hub,
		done:       make(chan struct{}),
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c
}

// Allow reports whether another inbound command fits the flood budget.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// ReadPump pumps frames from the websocket connection to IncomingHandler.
// onClose runs once the connection stops reading.
func (c *Client) ReadPump(onClose func(*Client)) {
	defer func() {
		if onClose != nil {
			onClose(c)
		}
		c.Close()
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.GlobalLogger.Warn("ReadPump error",
					slog.String("connection_id", c.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.Allow() {
			c.throttled()
			continue
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

func (c *Client) throttled() {
	observability.CommandErrors.WithLabelValues("throttled", models.CodeLimitExceeded).Inc()
	msg, err := Encode("error", ErrorPayload{Reason: "Slow down", Code: models.CodeLimitExceeded})
	if err == nil {
		c.TrySend(msg)
	}
}

// WritePump pumps queued messages to the websocket connection. After Close
// it flushes what is already queued, sends a close frame and returns.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			if !c.write(message) {
				return
			}

		case <-c.done:
			c.drain()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case message := <-c.Send:
			if !c.write(message) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(message []byte) bool {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	_, _ = w.Write(message)
	return w.Close() == nil
}

// TrySend queues message without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) TrySend(message []byte) bool {
	select {
	case <-c.done:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hub, "closed").Inc()
		return false
	default:
	}

	select {
	case c.Send <- message:
		return true
	default:
		// Buffer full, drop message and notify client so it can re-fetch
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hub, "full").Inc()
		observability.GlobalLogger.Warn("Buffer full, dropped message",
			slog.String("hub", c.hub),
			slog.String("connection_id", c.ID),
		)
		select {
		case c.Send <- dropNotice:
		default:
		}
		return false
	}
}

// Close asks the write pump to flush and close the connection. It is safe
// to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
