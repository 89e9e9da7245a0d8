package syncstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/types"
)

const defaultPersistTimeout = 10 * time.Second

// Persister durably appends a batch of changes for a room.
type Persister interface {
	InsertChanges(ctx context.Context, roomID types.RoomID, changes []types.Change) error
}

// PersisterFunc adapts an ordinary function to the Persister interface.
type PersisterFunc func(ctx context.Context, roomID types.RoomID, changes []types.Change) error

// InsertChanges implements Persister.
func (f PersisterFunc) InsertChanges(ctx context.Context, roomID types.RoomID, changes []types.Change) error {
	return f(ctx, roomID, changes)
}

// BroadcastFunc receives the batch that should be fanned out to peers.
type BroadcastFunc func([]types.Change)

// SendFunc receives the changes a resyncing client is missing.
type SendFunc func([]types.Change)

// Sync keeps the per-actor log of persisted changes for one room and answers
// resync queries against it. The length of an actor's log is the version a
// client is told it has for that actor.
type Sync struct {
	mu       sync.RWMutex
	room     types.RoomID
	actorLog map[string][]types.Change
	history  []types.Change

	persister      Persister
	persistTimeout time.Duration
	inflight       sync.WaitGroup
	logger         zerolog.Logger
}

// Option configures a Sync.
type Option func(*Sync)

// WithPersistTimeout bounds each background persistence call.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Sync) {
		s.persistTimeout = d
	}
}

// NewSync constructs an empty Sync for the room.
func NewSync(room types.RoomID, persister Persister, logger zerolog.Logger, opts ...Option) *Sync {
	s := &Sync{
		room:           room,
		actorLog:       make(map[string][]types.Change),
		persister:      persister,
		persistTimeout: defaultPersistTimeout,
		logger:         logger.With().Str("room", string(room)).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Room returns the room this Sync serves.
func (s *Sync) Room() types.RoomID { return s.room }

// Hydrate loads previously persisted history into the actor log without
// persisting it again. Ephemeral entries are skipped.
func (s *Sync) Hydrate(changes []types.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range changes {
		if c.Ephemeral {
			continue
		}
		s.appendLocked(c.Clone())
	}
	s.logger.Debug().Int("changes", len(changes)).Int("actors", len(s.actorLog)).Msg("room hydrated")
}

// AddRemoteChange records the non-ephemeral part of the batch in the actor
// log, persists it in the background and hands the full batch, ephemeral
// changes included, to onBroadcast. Broadcast does not wait on persistence.
func (s *Sync) AddRemoteChange(ctx context.Context, changes []types.Change, onBroadcast BroadcastFunc) {
	durable := make([]types.Change, 0, len(changes))
	for _, c := range changes {
		if c.Ephemeral {
			acceptedChanges.WithLabelValues("true").Inc()
			continue
		}
		acceptedChanges.WithLabelValues("false").Inc()
		durable = append(durable, c.Clone())
	}

	if len(durable) > 0 {
		s.mu.Lock()
		for _, c := range durable {
			s.appendLocked(c)
		}
		s.mu.Unlock()

		s.persist(ctx, durable)
	}

	if onBroadcast != nil {
		onBroadcast(changes)
	}
}

func (s *Sync) persist(ctx context.Context, batch []types.Change) {
	if s.persister == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
		defer cancel()

		if err := s.persister.InsertChanges(ctx, s.room, batch); err != nil {
			persistFailures.Inc()
			s.logger.Error().Err(err).Int("changes", len(batch)).Msg("failed to persist changes; continuing from memory")
		}
	}()
}

// Wait blocks until in-flight persistence calls have returned.
func (s *Sync) Wait() {
	s.inflight.Wait()
}

// SyncUser computes what the client is missing relative to its vector and
// delivers it through onSend. Actors absent from the client vector start at
// version 0 and receive their whole log.
func (s *Sync) SyncUser(clientVector types.VersionVector, onSend SendFunc) {
	missing := s.Delta(clientVector)
	resyncChanges.Observe(float64(len(missing)))
	if onSend != nil {
		onSend(missing)
	}
}

// Delta returns the changes beyond the client's per-actor counts. Actors are
// visited in sorted order; order within an actor is log order.
func (s *Sync) Delta(clientVector types.VersionVector) []types.Change {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actors := make(map[string]struct{}, len(s.actorLog)+len(clientVector))
	for actor := range s.actorLog {
		actors[actor] = struct{}{}
	}
	for actor := range clientVector {
		actors[actor] = struct{}{}
	}
	ordered := make([]string, 0, len(actors))
	for actor := range actors {
		ordered = append(ordered, actor)
	}
	sort.Strings(ordered)

	var out []types.Change
	for _, actor := range ordered {
		log := s.actorLog[actor]
		known := clientVector.Get(actor)
		if known <= 0 {
			out = append(out, types.CloneChanges(log)...)
			continue
		}
		if known >= len(log) {
			continue
		}
		out = append(out, types.CloneChanges(log[known:])...)
	}
	return out
}

// VersionVector reports the per-actor log length, which is the resync cursor
// a client should present to receive only newer changes.
func (s *Sync) VersionVector() types.VersionVector {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vv := make(types.VersionVector, len(s.actorLog))
	for actor, log := range s.actorLog {
		vv.Set(actor, len(log))
	}
	return vv
}

// Changes returns every stored change in acceptance order.
func (s *Sync) Changes() []types.Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.CloneChanges(s.history)
}

// Len returns the number of stored changes.
func (s *Sync) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func (s *Sync) appendLocked(c types.Change) {
	actor := c.Actor()
	s.actorLog[actor] = append(s.actorLog[actor], c)
	s.history = append(s.history, c)
}
