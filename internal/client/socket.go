package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("socket not connected")

const defaultReconnectDelay = time.Second

// SocketConfig describes the relay endpoint and reconnect policy.
type SocketConfig struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	RoomID string
	UserID string

	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer

	// OnConnect runs after every successful dial, before frames are read.
	OnConnect func()
}

// Socket is a reconnecting WebSocket connection to one room. Every dial is a
// fresh join, so the relay pushes a full catch-up each time.
type Socket struct {
	endpoint string
	cfg      SocketConfig
	logger   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocket validates the configuration and binds the room and user to the URL.
func NewSocket(cfg SocketConfig, logger zerolog.Logger) (*Socket, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("roomId", cfg.RoomID)
	if cfg.UserID != "" {
		q.Set("userId", cfg.UserID)
	}
	u.RawQuery = q.Encode()

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}

	return &Socket{
		endpoint: u.String(),
		cfg:      cfg,
		logger:   logger.With().Str("room", cfg.RoomID).Str("client", cfg.UserID).Logger(),
	}, nil
}

// Send writes a text frame on the current connection.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently established.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run dials the relay and feeds inbound frames to onMessage. When the
// connection drops it redials after the fixed reconnect delay. Run returns
// once ctx is cancelled.
func (s *Socket) Run(ctx context.Context, onMessage func([]byte)) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), ctx)

	err := backoff.RetryNotify(func() error {
		err := s.session(ctx, onMessage)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Info().Err(err).Dur("retry_in", wait).Msg("relay connection lost; reconnecting")
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

func (s *Socket) session(ctx context.Context, onMessage func([]byte)) error {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	})
	defer stop()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.logger.Debug().Msg("connected to relay")
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}
