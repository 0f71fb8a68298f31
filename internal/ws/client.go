package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-service/internal/config"
	"realtime-service/internal/models"
)

// Client is one authenticated websocket connection. Outbound frames go through
// a bounded queue drained by writePump; the queue is never closed, the pump
// stops when ctx is cancelled.
type Client struct {
	id       string
	conn     *websocket.Conn
	identity models.Identity
	info     ConnInfo
	cfg      config.SocketConfig
	logger   *slog.Logger

	send    chan []byte
	ordered chan models.Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeCode int
	closeText string

	handlers   sync.WaitGroup
	writerDone chan struct{}
}

func newClient(conn *websocket.Conn, id models.Identity, info ConnInfo, cfg config.SocketConfig, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:         info.ConnID,
		conn:       conn,
		identity:   id,
		info:       info,
		cfg:        cfg,
		logger:     logger.With(slog.String("connID", info.ConnID), slog.String("userID", id.UserID)),
		send:       make(chan []byte, cfg.SendBuffer),
		ordered:    make(chan models.Envelope, cfg.SendBuffer),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() models.Identity { return c.identity }

// Send queues frame without blocking. A full queue closes the connection.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send queue full, dropping slow consumer")
		c.Close(websocket.ClosePolicyViolation, "send queue full")
		return false
	}
}

// Reply sends ev to this connection only.
func (c *Client) Reply(ev models.Event) bool {
	frame, err := ev.Encode()
	if err != nil {
		c.logger.Error("encode event", slog.String("event", ev.Name), slog.Any("error", err))
		return false
	}
	return c.Send(frame)
}

// Close asks the write pump to send a close frame and drop the connection.
// Only the first call decides the close code.
func (c *Client) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.cancel()
	})
}

func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug("websocket write failed", slog.Any("error", err))
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-c.ctx.Done():
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// flush writes frames that were queued before the close was requested.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
