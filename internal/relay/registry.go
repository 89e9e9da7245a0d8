package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	syncstate "github.com/example/canvas-sync/internal/sync"
	"github.com/example/canvas-sync/internal/types"
)

// Member is a connection attached to a room.
type Member interface {
	ID() string
	Send(payload []byte) error
}

// HistoryLoader fetches a room's persisted change history.
type HistoryLoader interface {
	GetChangesByRoomID(ctx context.Context, roomID types.RoomID) ([]types.Change, error)
}

// Store is the persistence collaborator used by the registry: history for
// hydration and appends for new changes.
type Store interface {
	HistoryLoader
	syncstate.Persister
}

// RoomRecorder is implemented by stores that keep a room metadata row. The
// registry records the room when it is first activated.
type RoomRecorder interface {
	InsertRoom(ctx context.Context, room types.Room) error
}

// Room is an active room: its Sync instance and the connected members. The
// room mutex serializes frame handling, so a batch is recorded and broadcast
// before the next frame for the same room is looked at.
type Room struct {
	id   types.RoomID
	sync *syncstate.Sync

	mu      sync.Mutex
	members map[Member]struct{}
	evict   *time.Timer

	logger zerolog.Logger
}

// ID returns the room identifier.
func (r *Room) ID() types.RoomID { return r.id }

// Sync exposes the room's actor log.
func (r *Room) Sync() *syncstate.Sync { return r.sync }

// Members returns the ids of the connected members in sorted order.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.members))
	for m := range r.members {
		ids = append(ids, m.ID())
	}
	sort.Strings(ids)
	return ids
}

// admit registers the member and pushes a full catch-up to it. Returning
// clients are treated as new and resync from an empty vector.
func (r *Room) admit(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evict != nil {
		r.evict.Stop()
		r.evict = nil
	}
	r.members[m] = struct{}{}

	r.sync.SyncUser(types.VersionVector{}, func(changes []types.Change) {
		if len(changes) == 0 {
			return
		}
		payload, err := types.NewChangesFrame(changes)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to encode catch-up")
			return
		}
		if err := m.Send(payload); err != nil {
			r.logger.Warn().Err(err).Str("client", m.ID()).Msg("failed to send catch-up")
		}
	})
}

// broadcastLocked sends the payload to every member except skip. Callers hold
// r.mu.
func (r *Room) broadcastLocked(payload []byte, skip Member) int {
	sent := 0
	for m := range r.members {
		if m == skip {
			continue
		}
		if err := m.Send(payload); err != nil {
			r.logger.Debug().Err(err).Str("client", m.ID()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	fanout.Observe(float64(sent))
	return sent
}

// RegistryConfig controls room lifecycle.
type RegistryConfig struct {
	// IdleTTL keeps an empty room in memory for this long before eviction.
	// Zero evicts on last leave.
	IdleTTL time.Duration
	// PersistTimeout bounds each background persistence call.
	PersistTimeout time.Duration
}

// RoomRegistry owns the set of active rooms. Rooms are created on first join
// by hydrating from the store and evicted after the last member leaves. An
// evicted room whose persistence is still in flight stays in draining until
// the writes return; hydration of the same room waits for it.
type RoomRegistry struct {
	mu       sync.Mutex
	rooms    map[types.RoomID]*Room
	draining map[types.RoomID]*syncstate.Sync
	group    singleflight.Group

	store  Store
	cfg    RegistryConfig
	logger zerolog.Logger
}

// NewRoomRegistry constructs an empty registry backed by the store.
func NewRoomRegistry(store Store, logger zerolog.Logger, cfg RegistryConfig) *RoomRegistry {
	return &RoomRegistry{
		rooms:    make(map[types.RoomID]*Room),
		draining: make(map[types.RoomID]*syncstate.Sync),
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// Join adds the member to the room, hydrating the room first when it is not
// active. When the history fetch fails the member is not registered.
func (g *RoomRegistry) Join(ctx context.Context, roomID types.RoomID, m Member) (*Room, error) {
	if roomID == "" {
		return nil, ErrMissingRoom
	}

	for {
		g.mu.Lock()
		if room, ok := g.rooms[roomID]; ok {
			room.admit(m)
			g.mu.Unlock()
			return room, nil
		}
		g.mu.Unlock()

		if _, err, _ := g.group.Do(string(roomID), func() (any, error) {
			return nil, g.hydrate(ctx, roomID)
		}); err != nil {
			return nil, err
		}
	}
}

func (g *RoomRegistry) hydrate(ctx context.Context, roomID types.RoomID) error {
	g.mu.Lock()
	_, ok := g.rooms[roomID]
	prev := g.draining[roomID]
	g.mu.Unlock()
	if ok {
		return nil
	}
	if prev != nil {
		if err := waitPersisted(ctx, prev); err != nil {
			return fmt.Errorf("drain %s: %w", roomID, err)
		}
	}

	start := time.Now()
	history, err := g.store.GetChangesByRoomID(ctx, roomID)
	hydrateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("load history for %s: %w", roomID, err)
	}

	if rec, ok := g.store.(RoomRecorder); ok {
		if err := rec.InsertRoom(ctx, types.Room{ID: roomID, Name: string(roomID)}); err != nil {
			g.logger.Warn().Err(err).Str("room", string(roomID)).Msg("failed to record room")
		}
	}

	var opts []syncstate.Option
	if g.cfg.PersistTimeout > 0 {
		opts = append(opts, syncstate.WithPersistTimeout(g.cfg.PersistTimeout))
	}
	logger := g.logger.With().Str("room", string(roomID)).Logger()
	s := syncstate.NewSync(roomID, g.store, g.logger, opts...)
	s.Hydrate(history)

	room := &Room{
		id:      roomID,
		sync:    s,
		members: make(map[Member]struct{}),
		logger:  logger,
	}

	g.mu.Lock()
	g.rooms[roomID] = room
	activeRooms.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	logger.Info().Int("changes", len(history)).Msg("room activated")
	return nil
}

// Leave removes the member and reports whether another member with the same
// id is still connected to the room. The room is evicted once empty,
// immediately or after the configured idle TTL.
func (g *RoomRegistry) Leave(roomID types.RoomID, m Member) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[roomID]
	if !ok {
		return false
	}

	room.mu.Lock()
	delete(room.members, m)
	var sameID bool
	for other := range room.members {
		if other.ID() == m.ID() {
			sameID = true
			break
		}
	}
	empty := len(room.members) == 0
	if empty && g.cfg.IdleTTL > 0 && room.evict == nil {
		room.evict = time.AfterFunc(g.cfg.IdleTTL, func() { g.evictIfIdle(room) })
	}
	room.mu.Unlock()

	if empty && g.cfg.IdleTTL <= 0 {
		g.removeLocked(room)
	}
	return sameID
}

func (g *RoomRegistry) evictIfIdle(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[room.id] != room {
		return
	}
	room.mu.Lock()
	idle := len(room.members) == 0
	room.evict = nil
	room.mu.Unlock()

	if idle {
		g.removeLocked(room)
	}
}

func (g *RoomRegistry) removeLocked(room *Room) {
	delete(g.rooms, room.id)
	activeRooms.Set(float64(len(g.rooms)))
	room.logger.Info().Msg("room evicted")

	s := room.sync
	g.draining[room.id] = s
	go func() {
		s.Wait()
		g.mu.Lock()
		if g.draining[room.id] == s {
			delete(g.draining, room.id)
		}
		g.mu.Unlock()
	}()
}

func waitPersisted(ctx context.Context, s *syncstate.Sync) error {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Room returns the active room, or nil.
func (g *RoomRegistry) Room(roomID types.RoomID) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[roomID]
}

// Rooms returns the active rooms ordered by id.
func (g *RoomRegistry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

// Close waits for in-flight persistence of every active and evicted room.
func (g *RoomRegistry) Close() {
	g.mu.Lock()
	draining := make([]*syncstate.Sync, 0, len(g.draining))
	for _, s := range g.draining {
		draining = append(draining, s)
	}
	g.mu.Unlock()
	for _, s := range draining {
		s.Wait()
	}

	for _, room := range g.Rooms() {
		room.mu.Lock()
		if room.evict != nil {
			room.evict.Stop()
			room.evict = nil
		}
		room.mu.Unlock()
		room.sync.Wait()
	}
}
