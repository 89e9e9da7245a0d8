package presence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/relay"
	"github.com/example/canvas-sync/internal/types"
)

const (
	defaultTTL       = 45 * time.Second
	defaultKeyPrefix = "cursor:room:"
	scanBatchSize    = 100
)

// Service keeps the last known cursor of every user in a room in Redis. Entries
// expire after the TTL, so a silent client drops out of the roster on its own.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	ttl       time.Duration
	keyPrefix string
}

var _ relay.Presence = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides how long a cursor stays in the roster without updates.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		client:    client,
		logger:    logger,
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleCursors stores the cursors relayed for the room and refreshes their TTL.
func (s *Service) HandleCursors(ctx context.Context, roomID types.RoomID, cursors []types.Cursor) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	if roomID == "" {
		return relay.ErrMissingRoom
	}

	pipe := s.client.Pipeline()
	queued := 0
	for _, c := range cursors {
		if c.ID == "" {
			continue
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal cursor: %w", err)
		}
		pipe.Set(ctx, s.cursorKey(roomID, c.ID), payload, s.ttl)
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache cursors: %w", err)
	}
	return nil
}

// Clear removes the cached cursor for the room/client pair.
func (s *Service) Clear(ctx context.Context, roomID types.RoomID, clientID string) {
	if s.client == nil || roomID == "" || clientID == "" {
		return
	}
	key := s.cursorKey(roomID, clientID)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete cursor key")
	}
}

// SendRoster pushes the current roster to a freshly connected member as a
// single cursor frame. The member's own cursor is left out.
func (s *Service) SendRoster(ctx context.Context, roomID types.RoomID, member relay.Member) error {
	cursors, err := s.Roster(ctx, roomID)
	if err != nil {
		return err
	}

	others := cursors[:0]
	for _, c := range cursors {
		if c.ID != member.ID() {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		return nil
	}

	payload, err := types.NewCursorFrame(others)
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}
	if err := member.Send(payload); err != nil {
		return fmt.Errorf("send roster: %w", err)
	}
	return nil
}

// Roster loads the live cursors of a room ordered by user id.
func (s *Service) Roster(ctx context.Context, roomID types.RoomID) ([]types.Cursor, error) {
	if s.client == nil {
		return nil, errors.New("nil redis client")
	}
	iter := s.client.Scan(ctx, 0, s.roomPrefix(roomID)+"*", scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cursor keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch cursor values: %w", err)
	}

	cursors := make([]types.Cursor, 0, len(values))
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var c types.Cursor
		if err := json.Unmarshal([]byte(strVal), &c); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode cursor value")
			continue
		}
		cursors = append(cursors, c)
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].ID < cursors[j].ID })
	return cursors, nil
}

// roomPrefix encodes the room id with unpadded base64url, whose alphabet has
// neither glob metacharacters nor the ':' separator, so a SCAN pattern built
// from it matches that room's keys only.
func (s *Service) roomPrefix(roomID types.RoomID) string {
	return s.keyPrefix + base64.RawURLEncoding.EncodeToString([]byte(roomID)) + ":user:"
}

func (s *Service) cursorKey(roomID types.RoomID, clientID string) string {
	return s.roomPrefix(roomID) + clientID
}
