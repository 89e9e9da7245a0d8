package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/canvas-sync/internal/observability"
	"github.com/example/canvas-sync/internal/types"
)

var (
	// ErrMissingRoom is returned for connections that do not name a room.
	ErrMissingRoom = errors.New("missing roomId")
	// ErrRoomNotActive is returned when a frame arrives for a room the
	// connection was never admitted to.
	ErrRoomNotActive = errors.New("room not active")
)

// Presence tracks cursor positions outside the document. It is optional.
type Presence interface {
	HandleCursors(ctx context.Context, roomID types.RoomID, cursors []types.Cursor) error
	SendRoster(ctx context.Context, roomID types.RoomID, member Member) error
	Clear(ctx context.Context, roomID types.RoomID, clientID string)
}

// Relay binds connections to rooms, routes inbound frames and fans batches out
// to the other members of the room.
type Relay struct {
	registry *RoomRegistry
	presence Presence
	logger   zerolog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithPresence installs a cursor presence tracker.
func WithPresence(p Presence) Option {
	return func(r *Relay) {
		r.presence = p
	}
}

// New constructs a Relay over the registry.
func New(registry *RoomRegistry, logger zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the underlying room registry.
func (r *Relay) Registry() *RoomRegistry { return r.registry }

// Connect admits the member to the room and pushes a full catch-up. When the
// room cannot be resolved the member is not registered.
func (r *Relay) Connect(ctx context.Context, roomID types.RoomID, m Member) error {
	logger := observability.LoggerWithTrace(ctx, r.logger).With().Str("room", string(roomID)).Str("client", m.ID()).Logger()
	if roomID == "" {
		logger.Warn().Msg("connection refused: no room")
		return ErrMissingRoom
	}

	if _, err := r.registry.Join(ctx, roomID, m); err != nil {
		logger.Error().Err(err).Msg("connection refused: room unavailable")
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	if r.presence != nil {
		if err := r.presence.SendRoster(ctx, roomID, m); err != nil {
			logger.Warn().Err(err).Msg("failed to send cursor roster")
		}
	}
	logger.Debug().Msg("member joined")
	return nil
}

// HandleFrame processes one inbound frame from the member. Malformed frames
// are logged and dropped; the connection stays open.
func (r *Relay) HandleFrame(ctx context.Context, roomID types.RoomID, m Member, payload []byte) error {
	ctx, span := tracer.Start(ctx, "relay.HandleFrame", trace.WithAttributes(
		attribute.String("room", string(roomID)),
		attribute.String("client", m.ID()),
	))
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, r.logger).With().Str("room", string(roomID)).Str("client", m.ID()).Logger()

	room := r.registry.Room(roomID)
	if room == nil {
		framesTotal.WithLabelValues("unknown", "no_room").Inc()
		return fmt.Errorf("%w: %s", ErrRoomNotActive, roomID)
	}

	frame, err := types.DecodeFrame(payload)
	if err != nil {
		framesTotal.WithLabelValues("unknown", "dropped").Inc()
		logger.Warn().Err(err).Msg("dropping frame")
		return nil
	}

	switch frame.Type {
	case types.FrameCursor:
		r.handleCursor(ctx, room, m, frame, payload, logger)
	case types.FrameChanges:
		r.handleChanges(ctx, room, m, frame, logger)
	}
	return nil
}

func (r *Relay) handleCursor(ctx context.Context, room *Room, m Member, frame types.Frame, payload []byte, logger zerolog.Logger) {
	cursors, err := frame.Cursors()
	if err != nil {
		framesTotal.WithLabelValues(string(types.FrameCursor), "dropped").Inc()
		logger.Warn().Err(err).Msg("dropping cursor frame")
		return
	}

	room.mu.Lock()
	room.broadcastLocked(payload, m)
	room.mu.Unlock()
	framesTotal.WithLabelValues(string(types.FrameCursor), "relayed").Inc()

	if r.presence != nil {
		if err := r.presence.HandleCursors(ctx, room.id, cursors); err != nil {
			logger.Debug().Err(err).Msg("presence update failed")
		}
	}
}

func (r *Relay) handleChanges(ctx context.Context, room *Room, m Member, frame types.Frame, logger zerolog.Logger) {
	changes, err := frame.Changes()
	if err != nil {
		framesTotal.WithLabelValues(string(types.FrameChanges), "dropped").Inc()
		logger.Warn().Err(err).Msg("dropping changes frame")
		return
	}
	for i := range changes {
		changes[i].RoomID = room.id
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.sync.AddRemoteChange(ctx, changes, func(batch []types.Change) {
		out, err := types.NewChangesFrame(batch)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode broadcast")
			return
		}
		room.broadcastLocked(out, m)
	})
	framesTotal.WithLabelValues(string(types.FrameChanges), "relayed").Inc()
}

// Disconnect detaches the member from its room. The cursor is cleared only
// when no other connection of the same user remains.
func (r *Relay) Disconnect(ctx context.Context, roomID types.RoomID, m Member) {
	stillConnected := r.registry.Leave(roomID, m)
	if r.presence != nil && !stillConnected {
		r.presence.Clear(ctx, roomID, m.ID())
	}
	r.logger.Debug().Str("room", string(roomID)).Str("client", m.ID()).Msg("member left")
}
