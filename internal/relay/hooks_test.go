package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-sync/internal/types"
	"github.com/example/canvas-sync/internal/ws"
)

func dial(t *testing.T, srv *httptest.Server, room, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?roomId=" + room + "&userId=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readChanges(t *testing.T, conn *websocket.Conn) []types.Change {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := types.DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, types.FrameChanges, frame.Type)
	changes, err := frame.Changes()
	require.NoError(t, err)
	return changes
}

func TestRelayOverWebSocket(t *testing.T) {
	store := newMemoryStore()
	r := newTestRelay(store, RegistryConfig{})
	gw, err := ws.NewGateway(ws.QueryAuthenticator, zerolog.Nop(), r.Hooks(), ws.GatewayConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	alice := dial(t, srv, "room-1", "alice")
	bob := dial(t, srv, "room-1", "bob")
	require.Eventually(t, func() bool {
		room := r.Registry().Room("room-1")
		return room != nil && len(room.Members()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, changesFrame(t, rectChange(types.ChangeCreate, "r1", "alice", 1, false))))
	got := readChanges(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ElementID())

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{broken")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, changesFrame(t, rectChange(types.ChangeUpdate, "r1", "alice", 2, false))))
	got = readChanges(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version().Version, "malformed frame does not close the sender")

	carol := dial(t, srv, "room-1", "carol")
	catchUp := readChanges(t, carol)
	require.Len(t, catchUp, 2)
	assert.Equal(t, 1, catchUp[0].Version().Version)
	assert.Equal(t, 2, catchUp[1].Version().Version)

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		room := r.Registry().Room("room-1")
		return room != nil && len(room.Members()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
