package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned by Send after the connection has closed.
	ErrConnectionClosed = errors.New("connection closed")
)

const maxFrameSize = 1 << 20

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection represents an upgraded WebSocket session bound to one room.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(conn *websocket.Conn, id ClientIdentity, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: id,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// ID returns the client identifier.
func (c *Connection) ID() string { return c.identity.ClientID }

// RoomID returns the bound room identifier.
func (c *Connection) RoomID() string { return c.identity.RoomID }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Send enqueues a text frame for the writer goroutine. A full buffer closes
// the connection rather than blocking the caller.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		gatewayBackpressure.Inc()
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithCode(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the pumps and blocks until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connection rejected")
			c.closeWithCode(websocket.ClosePolicyViolation, err.Error())
			wg.Wait()
			return
		}
	}

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears down the socket. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	c.conn.SetReadLimit(maxFrameSize)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if hooks.OnMessage == nil {
			continue
		}
		if err := hooks.OnMessage(c.ctx, c, payload); err != nil {
			c.closeWithCode(websocket.ClosePolicyViolation, err.Error())
			return err
		}
	}
}

func (c *Connection) extendReadDeadline() {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return
	}
	allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
	_ = c.conn.SetReadDeadline(time.Now().Add(allowed))
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			if c.opts.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWithCode(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.Close()
}

// Hooks are invoked over the connection lifecycle.
type Hooks struct {
	OnConnect    ConnectHook
	OnMessage    MessageHook
	OnDisconnect DisconnectHook
}

type ConnectHook func(ctx context.Context, conn *Connection) error
type MessageHook func(ctx context.Context, conn *Connection, payload []byte) error
type DisconnectHook func(conn *Connection)

// ClientIdentity is the resolved identity of a connecting client.
type ClientIdentity struct {
	ClientID string
	RoomID   string
}
