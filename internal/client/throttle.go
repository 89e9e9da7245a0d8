package client

import (
	"sync"
	"time"

	"github.com/example/canvas-sync/internal/types"
)

// DefaultCursorWindow is the minimum spacing between outbound cursor frames.
const DefaultCursorWindow = 50 * time.Millisecond

// Timer is a pending clock callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so that throttling can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// CursorThrottle collapses bursts of cursor positions. The first offer opens a
// window; positions offered while it is open replace each other and the
// latest one is emitted when the window closes. At most one cursor is emitted
// per window.
type CursorThrottle struct {
	clock  Clock
	window time.Duration
	emit   func(types.Cursor)

	mu      sync.Mutex
	timer   Timer
	pending *types.Cursor
	stopped bool
}

// NewCursorThrottle builds a throttle that hands collapsed cursors to emit.
func NewCursorThrottle(clock Clock, window time.Duration, emit func(types.Cursor)) *CursorThrottle {
	if clock == nil {
		clock = SystemClock
	}
	if window <= 0 {
		window = DefaultCursorWindow
	}
	return &CursorThrottle{clock: clock, window: window, emit: emit}
}

// Offer records the cursor as the latest position.
func (t *CursorThrottle) Offer(c types.Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.pending = &c
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.window, t.fire)
	}
}

func (t *CursorThrottle) fire() {
	t.mu.Lock()
	c := t.pending
	t.pending = nil
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()

	if c != nil && !stopped {
		t.emit(*c)
	}
}

// Flush emits the pending cursor immediately and closes the open window.
func (t *CursorThrottle) Flush() {
	t.mu.Lock()
	c := t.pending
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if c != nil {
		t.emit(*c)
	}
}

// Stop drops any pending cursor. Later offers are ignored.
func (t *CursorThrottle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
