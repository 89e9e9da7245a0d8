package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrMissingRoom is returned by authenticators when the request names no room.
var ErrMissingRoom = errors.New("missing roomId")

// Authenticator resolves the identity of the inbound HTTP request before the
// connection is upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// QueryAuthenticator reads roomId and userId from the URL query. A missing
// userId is replaced by a random id.
var QueryAuthenticator = AuthFunc(func(r *http.Request) (ClientIdentity, error) {
	q := r.URL.Query()
	id := ClientIdentity{RoomID: q.Get("roomId"), ClientID: q.Get("userId")}
	if id.RoomID == "" {
		return ClientIdentity{}, ErrMissingRoom
	}
	if id.ClientID == "" {
		id.ClientID = uuid.NewString()
	}
	return id, nil
})

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	CheckOrigin        func(r *http.Request) bool
}

// Gateway upgrades HTTP requests into WebSocket connections and hands them to
// the configured hooks.
type Gateway struct {
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: logger,
		hooks:  hooks,
		cfg:    cfg,
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway.Upgrade")
	defer span.End()
	r = r.WithContext(ctx)

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if errors.Is(err, ErrMissingRoom) {
		g.logger.Warn().Str("remote", r.RemoteAddr).Msg("connection without roomId refused")
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if identity.RoomID == "" {
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}
	if identity.ClientID == "" {
		http.Error(w, "missing client identity", http.StatusUnauthorized)
		return
	}

	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("room", identity.RoomID).Str("client", identity.ClientID).Logger()
	gatewayConnections.WithLabelValues(identity.RoomID).Inc()
	connection := newConnection(conn, identity, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		gatewayConnections.WithLabelValues(identity.RoomID).Dec()
	})

	childLogger.Info().Msg("websocket connection established")
	go connection.Run(g.hooks)
}
