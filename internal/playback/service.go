package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/snapshot"
	"github.com/example/canvas-sync/internal/types"
)

// ErrMissingRoom is returned for requests without a room id.
var ErrMissingRoom = errors.New("room id is required")

// Log provides the read operations required to materialize a room at a
// specific point in time.
type Log interface {
	GetChangesByRoomID(ctx context.Context, roomID types.RoomID) ([]types.Change, error)
	GetChangesByRoomIDBefore(ctx context.Context, roomID types.RoomID, at time.Time) ([]types.Change, error)
}

// Request selects the room and, optionally, the instant to materialize.
type Request struct {
	Room   types.RoomID
	AtTime *time.Time
}

// Service replays persisted history through the merge rule to surface the
// deterministic room state at a requested instant.
type Service struct {
	log    Log
	cache  *stateCache
	now    func() time.Time
	logger zerolog.Logger
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	CacheSize int
}

// NewService constructs a playback service backed by the change log.
func NewService(log Log, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	return &Service{
		log:    log,
		cache:  newStateCache(cacheSize),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Playback materializes the room at the requested time, or its latest
// persisted state when no time is given.
func (s *Service) Playback(ctx context.Context, req Request) (snapshot.Payload, error) {
	if req.Room == "" {
		return snapshot.Payload{}, ErrMissingRoom
	}

	var (
		changes []types.Change
		err     error
	)
	if req.AtTime != nil {
		changes, err = s.log.GetChangesByRoomIDBefore(ctx, req.Room, *req.AtTime)
	} else {
		changes, err = s.log.GetChangesByRoomID(ctx, req.Room)
	}
	if err != nil {
		return snapshot.Payload{}, fmt.Errorf("load history for %s: %w", req.Room, err)
	}

	at := s.now()
	if req.AtTime != nil {
		at = req.AtTime.UTC()
	}
	key := historyKey(req.Room, changes)
	if cached, ok := s.cache.Get(key); ok {
		cached.CreatedAt = at
		return cached, nil
	}

	state := snapshot.Build(req.Room, changes, versionVector(changes), at)
	replayedChanges.Observe(float64(len(changes)))
	s.cache.Put(key, state)

	s.logger.Debug().Str("room", string(req.Room)).Int("changes", len(changes)).Msg("room state materialized")
	return state, nil
}

// versionVector counts persisted changes per actor, matching the resync
// cursor the relay hands out.
func versionVector(changes []types.Change) types.VersionVector {
	vv := make(types.VersionVector)
	for _, c := range changes {
		if c.Ephemeral {
			continue
		}
		vv.Set(c.Actor(), vv.Get(c.Actor())+1)
	}
	return vv
}
