package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-sync/internal/crdt"
	"github.com/example/canvas-sync/internal/types"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (r *recordingTransport) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, payload)
	return nil
}

func (r *recordingTransport) decoded(t *testing.T) []types.Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Frame, 0, len(r.frames))
	for _, raw := range r.frames {
		f, err := types.DecodeFrame(raw)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func rect(ct types.ChangeType, id, user string, version int) types.Change {
	return types.Change{
		ChangeType:  ct,
		ElementType: types.ElementRectangle,
		Object: types.Rectangle{ElementBase: types.ElementBase{
			ID:          id,
			UserVersion: types.UserVersion{UserID: user, Version: version},
		}},
	}
}

func newHistory(transport Transport, clock Clock) *History {
	return NewHistory("room-1", Identity{UserID: "alice", Username: "Alice", Color: "#f00"}, transport, zerolog.Nop(), WithClock(clock))
}

func TestAddLocalChangeSendsAcceptedChange(t *testing.T) {
	tr := &recordingTransport{}
	h := newHistory(tr, newFakeClock())

	assert.True(t, h.AddLocalChange(rect(types.ChangeCreate, "r1", "alice", 1), false))
	assert.False(t, h.AddLocalChange(rect(types.ChangeUpdate, "r1", "alice", 1), false), "same version is not newer")

	frames := tr.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, types.FrameChanges, frames[0].Type)
	changes, err := frames[0].Changes()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, types.RoomID("room-1"), changes[0].RoomID)
}

func TestAddLocalChangeSkipSending(t *testing.T) {
	tr := &recordingTransport{}
	h := newHistory(tr, newFakeClock())

	assert.True(t, h.AddLocalChange(rect(types.ChangeCreate, "r1", "alice", 1), true))
	assert.Empty(t, tr.decoded(t))
	assert.Len(t, h.Elements(), 1)
}

func TestSendFailureKeepsLocalState(t *testing.T) {
	tr := &recordingTransport{err: errors.New("offline")}
	h := newHistory(tr, newFakeClock())

	assert.True(t, h.AddLocalChange(rect(types.ChangeCreate, "r1", "alice", 1), false))
	_, ok := h.Document().Element("r1")
	assert.True(t, ok)
}

func TestRemoteChangesConvergeRegardlessOfOrder(t *testing.T) {
	a := rect(types.ChangeUpdate, "r1", "a", 2)
	b := rect(types.ChangeUpdate, "r1", "b", 2)
	del := rect(types.ChangeDelete, "r2", "b", 3)
	stale := rect(types.ChangeUpdate, "r2", "a", 2)

	h1 := newHistory(&recordingTransport{}, newFakeClock())
	h2 := newHistory(&recordingTransport{}, newFakeClock())
	h1.AddRemoteChanges([]types.Change{a, b, del, stale})
	h2.AddRemoteChanges([]types.Change{stale, del, b, a})

	assert.True(t, h1.Document().Equal(h2.Document()))
	el, ok := h1.Document().Element("r1")
	require.True(t, ok)
	assert.Equal(t, "a", el.Base().UserVersion.UserID)
	_, ok = h1.Document().Element("r2")
	assert.False(t, ok)
}

func TestOnMessageRoutesFrames(t *testing.T) {
	h := newHistory(&recordingTransport{}, newFakeClock())

	changes, err := types.NewChangesFrame([]types.Change{rect(types.ChangeCreate, "r1", "bob", 1)})
	require.NoError(t, err)
	h.OnMessage(changes)
	assert.Len(t, h.Elements(), 1)

	cursors, err := types.NewCursorFrame([]types.Cursor{
		{ID: "bob", Position: types.Point{X: 1, Y: 1}},
		{ID: "alice", Position: types.Point{X: 5, Y: 5}},
	})
	require.NoError(t, err)
	h.OnMessage(cursors)

	moved, err := types.NewCursorFrame([]types.Cursor{{ID: "bob", Position: types.Point{X: 2, Y: 3}}})
	require.NoError(t, err)
	h.OnMessage(moved)

	got := h.Cursors()
	require.Len(t, got, 1, "own cursor is ignored")
	assert.Equal(t, types.Point{X: 2, Y: 3}, got[0].Position)

	h.RemoveCursor("bob")
	assert.Empty(t, h.Cursors())
}

func TestOnMessageDropsMalformedFrames(t *testing.T) {
	h := newHistory(&recordingTransport{}, newFakeClock())
	assert.NotPanics(t, func() {
		h.OnMessage([]byte("not json"))
		h.OnMessage([]byte(`{"type":"changes","data":[{"changeType":"explode"}]}`))
		h.OnMessage([]byte(`{"type":"cursor","data":{}}`))
		h.OnMessage([]byte(`{"type":"other","data":[]}`))
	})
	assert.Empty(t, h.Elements())
	assert.Empty(t, h.Cursors())
}

func TestSendCursorThrottled(t *testing.T) {
	clock := newFakeClock()
	tr := &recordingTransport{}
	h := newHistory(tr, clock)

	for i := 0; i < 10; i++ {
		h.SendCursor(float64(i), float64(i*2), time.Time{})
		clock.Advance(4 * time.Millisecond)
	}
	clock.Advance(50 * time.Millisecond)

	frames := tr.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, types.FrameCursor, frames[0].Type)
	cursors, err := frames[0].Cursors()
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, "alice", cursors[0].ID)
	assert.Equal(t, "Alice", cursors[0].Username)
	assert.Equal(t, types.Point{X: 9, Y: 18}, cursors[0].Position)
	assert.False(t, cursors[0].LastUpdated.IsZero())

	h.Close()
	h.SendCursor(1, 1, time.Time{})
	clock.Advance(time.Second)
	assert.Len(t, tr.decoded(t), 1)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	h := newHistory(&recordingTransport{}, newFakeClock())
	var events int
	unsubscribe := h.Subscribe(func(crdt.Event) { events++ })
	h.AddLocalChange(rect(types.ChangeCreate, "r1", "alice", 1), true)
	unsubscribe()
	h.AddLocalChange(rect(types.ChangeUpdate, "r1", "alice", 2), true)
	assert.Equal(t, 1, events)
}
