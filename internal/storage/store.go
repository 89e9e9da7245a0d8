package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/canvas-sync/internal/types"
)

// ErrRoomNotFound is returned by GetRoomByID for unknown rooms.
var ErrRoomNotFound = errors.New("room not found")

// SnapshotRef points at a room archive stored in object storage.
type SnapshotRef struct {
	Room        types.RoomID
	ObjectPath  string
	ChangeCount int
	CreatedAt   time.Time
}

// Store persists rooms and their change history in Postgres.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// NewStore constructs a Store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the tables used by the store when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// InsertChanges appends a batch of changes for the room in one transaction.
// Ephemeral changes are never written.
func (s *Store) InsertChanges(ctx context.Context, roomID types.RoomID, changes []types.Change) error {
	ctx, span := tracer.Start(ctx, "store.InsertChanges", trace.WithAttributes(
		attribute.String("room", string(roomID)),
		attribute.Int("changes", len(changes)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		insertLatency.WithLabelValues(string(roomID)).Observe(time.Since(start).Seconds())
	}()

	batch := &pgx.Batch{}
	for _, c := range changes {
		if c.Ephemeral {
			continue
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", c.ElementID(), err)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		v := c.Version()
		batch.Queue(`
INSERT INTO room_changes (room_id, element_id, user_id, version, change_type, element_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(roomID), c.ElementID(), v.UserID, v.Version, string(c.ChangeType), string(c.ElementType), payload, createdAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}

	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert changes for %s: %w", roomID, err)
	}
	return nil
}

// GetChangesByRoomID returns the full persisted history of a room in
// insertion order.
func (s *Store) GetChangesByRoomID(ctx context.Context, roomID types.RoomID) ([]types.Change, error) {
	return s.queryChanges(ctx, "store.GetChangesByRoomID", roomID, `
		SELECT payload FROM room_changes
		WHERE room_id = $1
		ORDER BY seq`, string(roomID))
}

// GetChangesByRoomIDBefore returns the history of a room created at or before
// the provided instant.
func (s *Store) GetChangesByRoomIDBefore(ctx context.Context, roomID types.RoomID, at time.Time) ([]types.Change, error) {
	return s.queryChanges(ctx, "store.GetChangesByRoomIDBefore", roomID, `
		SELECT payload FROM room_changes
		WHERE room_id = $1 AND created_at <= $2
		ORDER BY seq`, string(roomID), at)
}

func (s *Store) queryChanges(ctx context.Context, spanName string, roomID types.RoomID, query string, args ...any) ([]types.Change, error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("room", string(roomID))))
	defer span.End()

	start := time.Now()
	defer func() {
		fetchLatency.WithLabelValues(string(roomID)).Observe(time.Since(start).Seconds())
	}()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query changes for %s: %w", roomID, err)
	}
	changes, err := scanChanges(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return changes, nil
}

func scanChanges(rows pgx.Rows) ([]types.Change, error) {
	defer rows.Close()

	var changes []types.Change
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c types.Change
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode stored change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// InsertRoom creates the room row if it does not exist yet.
func (s *Store) InsertRoom(ctx context.Context, room types.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO rooms (id, name, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`, string(room.ID), room.Name, room.CreatedAt)
		return err
	})
}

// GetRoomByID loads room metadata.
func (s *Store) GetRoomByID(ctx context.Context, id types.RoomID) (types.Room, error) {
	var room types.Room
	var rawID string
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM rooms WHERE id = $1`, string(id)).
		Scan(&rawID, &room.Name, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return types.Room{}, err
	}
	room.ID = types.RoomID(rawID)
	return room, nil
}

// RecordSnapshot stores a reference to an uploaded room archive.
func (s *Store) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO room_snapshots (room_id, object_path, change_count, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (room_id, object_path) DO NOTHING`,
			string(ref.Room), ref.ObjectPath, ref.ChangeCount, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the newest archive reference for the room. A zero
// SnapshotRef is returned when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, roomID types.RoomID) (SnapshotRef, error) {
	ref := SnapshotRef{Room: roomID}
	err := s.pool.QueryRow(ctx, `
		SELECT object_path, change_count, created_at FROM room_snapshots
		WHERE room_id = $1
		ORDER BY change_count DESC, created_at DESC
		LIMIT 1`, string(roomID)).Scan(&ref.ObjectPath, &ref.ChangeCount, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Room: roomID}, nil
	}
	return ref, err
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			retryTotal.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
