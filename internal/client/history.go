package client

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/crdt"
	"github.com/example/canvas-sync/internal/types"
)

// Transport delivers encoded frames to the relay.
type Transport interface {
	Send(payload []byte) error
}

// Identity describes the local user as shown to peers.
type Identity struct {
	UserID   string
	Username string
	Color    string
}

// History is the client-side replica of a room: the element document, the
// cursors of the other users and the outbound side of the transport.
type History struct {
	room      types.RoomID
	self      Identity
	doc       *crdt.Document
	transport Transport
	clock     Clock
	throttle  *CursorThrottle
	logger    zerolog.Logger

	mu      sync.RWMutex
	cursors map[string]types.Cursor
}

// HistoryOption configures a History.
type HistoryOption func(*historyOptions)

type historyOptions struct {
	clock  Clock
	window time.Duration
}

// WithClock injects the clock used for cursor throttling and timestamps.
func WithClock(c Clock) HistoryOption {
	return func(o *historyOptions) { o.clock = c }
}

// WithCursorWindow overrides the cursor throttle window.
func WithCursorWindow(d time.Duration) HistoryOption {
	return func(o *historyOptions) { o.window = d }
}

// NewHistory creates an empty replica of the room.
func NewHistory(room types.RoomID, self Identity, transport Transport, logger zerolog.Logger, opts ...HistoryOption) *History {
	o := historyOptions{clock: SystemClock, window: DefaultCursorWindow}
	for _, opt := range opts {
		opt(&o)
	}

	h := &History{
		room:      room,
		self:      self,
		doc:       crdt.NewDocument(),
		transport: transport,
		clock:     o.clock,
		logger:    logger.With().Str("room", string(room)).Str("client", self.UserID).Logger(),
		cursors:   make(map[string]types.Cursor),
	}
	h.throttle = NewCursorThrottle(o.clock, o.window, h.sendCursorNow)
	return h
}

// AddLocalChange runs the change through the merge rule and, when it is
// accepted and skipSending is false, sends it to the relay. Send failures are
// logged; local state is kept either way.
func (h *History) AddLocalChange(change types.Change, skipSending bool) bool {
	if change.RoomID == "" {
		change.RoomID = h.room
	}
	if !h.doc.Apply(change) {
		return false
	}
	if skipSending {
		return true
	}

	payload, err := types.NewChangesFrame([]types.Change{change})
	if err != nil {
		h.logger.Error().Err(err).Str("element", change.ElementID()).Msg("failed to encode change")
		return true
	}
	if err := h.transport.Send(payload); err != nil {
		h.logger.Debug().Err(err).Str("element", change.ElementID()).Msg("change kept locally; send failed")
	}
	return true
}

// AddRemoteChanges applies relayed changes in the order received and returns
// how many were accepted.
func (h *History) AddRemoteChanges(changes []types.Change) int {
	accepted := 0
	for _, c := range changes {
		if h.AddLocalChange(c, true) {
			accepted++
		}
	}
	return accepted
}

// SendCursor offers the local cursor position to the throttle. A zero ts is
// replaced by the clock's current time.
func (h *History) SendCursor(x, y float64, ts time.Time) {
	if ts.IsZero() {
		ts = h.clock.Now()
	}
	h.throttle.Offer(types.Cursor{
		ID:          h.self.UserID,
		Username:    h.self.Username,
		Color:       h.self.Color,
		Position:    types.Point{X: x, Y: y},
		LastUpdated: ts,
	})
}

func (h *History) sendCursorNow(c types.Cursor) {
	payload, err := types.NewCursorFrame([]types.Cursor{c})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode cursor")
		return
	}
	if err := h.transport.Send(payload); err != nil {
		h.logger.Debug().Err(err).Msg("cursor dropped")
	}
}

// OnMessage handles one inbound frame. Malformed frames are logged and dropped.
func (h *History) OnMessage(payload []byte) {
	frame, err := types.DecodeFrame(payload)
	if err != nil {
		h.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch frame.Type {
	case types.FrameChanges:
		changes, err := frame.Changes()
		if err != nil {
			h.logger.Warn().Err(err).Msg("dropping malformed changes frame")
			return
		}
		h.AddRemoteChanges(changes)
	case types.FrameCursor:
		cursors, err := frame.Cursors()
		if err != nil {
			h.logger.Warn().Err(err).Msg("dropping malformed cursor frame")
			return
		}
		h.mergeCursors(cursors)
	}
}

func (h *History) mergeCursors(cursors []types.Cursor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range cursors {
		if c.ID == "" || c.ID == h.self.UserID {
			continue
		}
		h.cursors[c.ID] = c
	}
}

// RemoveCursor forgets a peer's cursor.
func (h *History) RemoveCursor(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cursors, id)
}

// Cursors returns the known peer cursors ordered by user id.
func (h *History) Cursors() []types.Cursor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.Cursor, 0, len(h.cursors))
	for _, c := range h.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Elements returns the visible elements ordered by id.
func (h *History) Elements() []types.Element {
	return h.doc.Snapshot()
}

// Document exposes the underlying element document.
func (h *History) Document() *crdt.Document {
	return h.doc
}

// Subscribe registers a listener for document events.
func (h *History) Subscribe(l crdt.Listener) func() {
	return h.doc.Subscribe(l)
}

// FlushCursor sends any throttled cursor immediately.
func (h *History) FlushCursor() {
	h.throttle.Flush()
}

// Close stops cursor throttling. Pending cursors are dropped.
func (h *History) Close() {
	h.throttle.Stop()
}
