package relay

import (
	"context"

	"github.com/example/canvas-sync/internal/types"
	"github.com/example/canvas-sync/internal/ws"
)

// Hooks adapts the relay to the WebSocket gateway lifecycle.
func (r *Relay) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect: func(ctx context.Context, conn *ws.Connection) error {
			return r.Connect(ctx, types.RoomID(conn.RoomID()), conn)
		},
		OnMessage: func(ctx context.Context, conn *ws.Connection, payload []byte) error {
			return r.HandleFrame(ctx, types.RoomID(conn.RoomID()), conn, payload)
		},
		OnDisconnect: func(conn *ws.Connection) {
			r.Disconnect(context.Background(), types.RoomID(conn.RoomID()), conn)
		},
	}
}
