package websockets

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by PostMessage when a connection's outbound
// queue has no room.
var ErrQueueFull = errors.New("websocket outbound queue is full")

// Connection is one end of a relay WebSocket. It is the Window of the peer:
// posting to it writes a frame to the socket, and frames read from the
// socket are posted to the sink window with the Connection as their source.
type Connection struct {
	ctx      context.Context
	cancel   context.CancelFunc
	conn     *websocket.Conn
	origin   string
	sink     channel.Window
	logger   *zap.Logger
	settings connSettings
	metrics  *WebSocketMetrics

	// Outbound frames; written only by messageSender.
	outbound chan []byte
	done     chan struct{}

	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, origin string, sink channel.Window,
	settings connSettings, logger *zap.Logger, metrics *WebSocketMetrics) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:      ctx,
		cancel:   cancel,
		conn:     conn,
		origin:   origin,
		sink:     sink,
		logger:   logger.With(zap.String("peer_origin", origin)),
		settings: settings,
		metrics:  metrics,
		outbound: make(chan []byte, settings.queueSize),
		done:     make(chan struct{}),
	}
}

// Origin is the peer's origin.
func (c *Connection) Origin() string {
	return c.origin
}

// PostMessage queues data for the peer. It never blocks: a full queue
// returns ErrQueueFull and a closed connection returns channel.ErrClosed.
func (c *Connection) PostMessage(data []byte, targetOrigin string, _ channel.Window) error {
	if !channel.OriginMatches(targetOrigin, c.origin) {
		c.logger.Debug("Dropping message for mismatched target origin", zap.String("target_origin", targetOrigin))
		return nil
	}

	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}

	frame := append([]byte(nil), data...)
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return channel.ErrClosed
	default:
		c.metrics.RecordMessageDropped(c.ctx)
		return ErrQueueFull
	}
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Start runs the connection until the socket closes. The reader runs on the
// calling goroutine.
func (c *Connection) Start() {
	c.logger.Debug("Starting WebSocket relay connection")

	go c.messageSender()
	c.messageReader()

	c.cleanup()
}

// messageSender serializes all writes and sends periodic pings.
func (c *Connection) messageSender() {
	defer c.logger.Debug("Message sender goroutine stopped")

	var pingChan <-chan time.Time
	if c.settings.pingInterval > 0 {
		pingTicker := time.NewTicker(c.settings.pingInterval)
		defer pingTicker.Stop()
		pingChan = pingTicker.C
	}

	for {
		select {
		case data := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.settings.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()

			if err != nil {
				c.logger.Warn("Failed to send WebSocket message", zap.Error(err))
				c.shutdownClose(websocket.StatusInternalError, "write failed")
				return
			}
			c.metrics.RecordMessageSent(c.ctx, len(data))

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.settings.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()

			if err != nil {
				c.logger.Warn("Ping failed, closing connection", zap.Error(err))
				c.shutdownClose(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
			c.metrics.RecordPingSent(c.ctx)

		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// messageReader posts every frame read from the socket to the sink window.
func (c *Connection) messageReader() {
	defer c.logger.Debug("Message reader stopped")

	c.conn.SetReadLimit(c.settings.readLimit)

	for {
		readCtx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.settings.readTimeout > 0 {
			readCtx, cancel = context.WithTimeout(c.ctx, c.settings.readTimeout)
		}

		typ, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("WebSocket connection closed by peer", zap.Int("close_status", int(status)))
			} else if c.ctx.Err() == nil {
				c.logger.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}

		if typ != websocket.MessageText || len(data) == 0 {
			c.logger.Debug("Ignoring non-text or empty WebSocket frame")
			continue
		}

		c.metrics.RecordMessageReceived(c.ctx, len(data))

		if err := c.sink.PostMessage(data, "*", c); err != nil {
			c.logger.Warn("Failed to deliver relay message", zap.Error(err))
			if errors.Is(err, channel.ErrClosed) {
				return
			}
		}
	}
}

// cleanup releases the connection exactly once.
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)
		c.cancel()

		if err := c.conn.Close(websocket.StatusNormalClosure, "connection closed"); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}

		c.logger.Debug("WebSocket relay connection cleaned up")
	})
}

// shutdownClose closes the socket with code, which makes the reader exit and
// run cleanup.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket", zap.Error(err))
	}
}
