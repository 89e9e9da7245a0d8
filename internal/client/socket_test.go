package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSocketBindsQuery(t *testing.T) {
	s, err := NewSocket(SocketConfig{URL: "ws://relay.local/ws", RoomID: "room 1", UserID: "alice"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Contains(t, s.endpoint, "roomId=room+1")
	assert.Contains(t, s.endpoint, "userId=alice")
	assert.Equal(t, time.Second, s.cfg.ReconnectDelay)

	_, err = NewSocket(SocketConfig{URL: "ws://relay.local/ws"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSendWhileDisconnected(t *testing.T) {
	s, err := NewSocket(SocketConfig{URL: "ws://relay.local/ws", RoomID: "room-1"}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Send([]byte("{}")), ErrNotConnected))
	assert.False(t, s.Connected())
}

func TestSocketReconnectsAfterServerClose(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "room-1", r.URL.Query().Get("roomId"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := dials.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"changes","data":[]}`))
		if n == 1 {
			_ = conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var frames atomic.Int32
	s, err := NewSocket(SocketConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		RoomID:         "room-1",
		UserID:         "alice",
		ReconnectDelay: 10 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func([]byte) { frames.Add(1) }) }()

	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && s.Connected()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return frames.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Send([]byte(`{"type":"cursor","data":[]}`)))

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not stop after cancel")
	}
	assert.False(t, s.Connected())
}
