package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-sync/internal/types"
)

type cursorSink struct {
	mu   sync.Mutex
	sent []types.Cursor
}

func (s *cursorSink) emit(c types.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
}

func (s *cursorSink) all() []types.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Cursor(nil), s.sent...)
}

func at(x float64) types.Cursor {
	return types.Cursor{ID: "me", Position: types.Point{X: x, Y: x}}
}

func TestThrottleCollapsesBurstToLatest(t *testing.T) {
	clock := newFakeClock()
	sink := &cursorSink{}
	th := NewCursorThrottle(clock, 50*time.Millisecond, sink.emit)

	for i := 0; i < 10; i++ {
		th.Offer(at(float64(i)))
		clock.Advance(4 * time.Millisecond)
	}
	assert.Empty(t, sink.all(), "nothing leaves before the window closes")

	clock.Advance(20 * time.Millisecond)
	sent := sink.all()
	require.Len(t, sent, 1)
	assert.Equal(t, types.Point{X: 9, Y: 9}, sent[0].Position)

	clock.Advance(time.Second)
	assert.Len(t, sink.all(), 1)
}

func TestThrottleOpensNewWindowAfterIdle(t *testing.T) {
	clock := newFakeClock()
	sink := &cursorSink{}
	th := NewCursorThrottle(clock, 50*time.Millisecond, sink.emit)

	th.Offer(at(1))
	clock.Advance(50 * time.Millisecond)
	th.Offer(at(2))
	th.Offer(at(3))
	clock.Advance(50 * time.Millisecond)

	sent := sink.all()
	require.Len(t, sent, 2)
	assert.Equal(t, 1.0, sent[0].Position.X)
	assert.Equal(t, 3.0, sent[1].Position.X)
}

func TestThrottleFlushAndStop(t *testing.T) {
	clock := newFakeClock()
	sink := &cursorSink{}
	th := NewCursorThrottle(clock, 50*time.Millisecond, sink.emit)

	th.Offer(at(1))
	th.Flush()
	require.Len(t, sink.all(), 1)
	clock.Advance(time.Second)
	assert.Len(t, sink.all(), 1, "flushed cursor is not sent twice")

	th.Offer(at(2))
	th.Stop()
	clock.Advance(time.Second)
	th.Offer(at(3))
	clock.Advance(time.Second)
	assert.Len(t, sink.all(), 1)
}

func TestThrottleDefaults(t *testing.T) {
	th := NewCursorThrottle(nil, 0, func(types.Cursor) {})
	assert.Equal(t, DefaultCursorWindow, th.window)
	assert.Equal(t, SystemClock, th.clock)
}
