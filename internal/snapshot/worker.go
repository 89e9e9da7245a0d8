package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/crdt"
	"github.com/example/canvas-sync/internal/relay"
	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/types"
)

const (
	defaultInterval  = 15 * time.Second
	defaultThreshold = 50
)

// Payload is the materialized room state written to object storage. Elements
// are stored as create changes so that applying them to an empty document
// reproduces the archived state.
type Payload struct {
	Room          types.RoomID        `json:"roomId"`
	ChangeCount   int                 `json:"changeCount"`
	VersionVector types.VersionVector `json:"versionVector"`
	Elements      []types.Change      `json:"elements"`
	Tombstones    []string            `json:"tombstones"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// Restore rebuilds the archived document.
func (p Payload) Restore() *crdt.Document {
	doc := crdt.NewDocument()
	doc.ApplyAll(p.Elements)
	for _, id := range p.Tombstones {
		doc.Apply(types.Change{
			ChangeType: types.ChangeDelete,
			Object:     types.Rectangle{ElementBase: types.ElementBase{ID: id}},
		})
	}
	return doc
}

// ObjectWriter is the subset of the MinIO client used by the worker.
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// RefStore records where archives were written.
type RefStore interface {
	LatestSnapshot(ctx context.Context, roomID types.RoomID) (storage.SnapshotRef, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// RoomSource lists the rooms currently held in memory.
type RoomSource interface {
	Rooms() []*relay.Room
}

// Config tunes the archive cadence.
type Config struct {
	Interval  time.Duration
	Threshold int
}

// Worker periodically archives active rooms whose change count moved by at
// least Threshold since the previous archive.
type Worker struct {
	rooms  RoomSource
	refs   RefStore
	object ObjectWriter
	bucket string

	interval  time.Duration
	threshold int
	now       func() time.Time

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(rooms RoomSource, refs RefStore, object ObjectWriter, bucket string, logger zerolog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	return &Worker{
		rooms:     rooms,
		refs:      refs,
		object:    object,
		bucket:    bucket,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	for _, room := range w.rooms.Rooms() {
		if err := w.processRoom(ctx, room); err != nil {
			snapshotFailures.Inc()
			w.logger.Error().Err(err).Str("room", string(room.ID())).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processRoom(ctx context.Context, room *relay.Room) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	latest, err := w.refs.LatestSnapshot(ctx, room.ID())
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}

	changes := room.Sync().Changes()
	if len(changes)-latest.ChangeCount < w.threshold {
		return nil
	}

	payload := Build(room.ID(), changes, room.Sync().VersionVector(), w.now())
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%d.json", room.ID(), payload.CreatedAt.UnixNano())
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	snapshotBytes.Observe(float64(len(data)))

	ref := storage.SnapshotRef{
		Room:        room.ID(),
		ObjectPath:  objectPath,
		ChangeCount: payload.ChangeCount,
		CreatedAt:   payload.CreatedAt,
	}
	if err := w.refs.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	snapshotsCreated.Inc()
	w.logger.Info().Str("room", string(room.ID())).Int("changes", payload.ChangeCount).Str("object", objectPath).Msg("snapshot created")
	return nil
}

// Build materializes the change history into an archive payload.
func Build(roomID types.RoomID, changes []types.Change, vv types.VersionVector, at time.Time) Payload {
	doc := crdt.NewDocument()
	doc.ApplyAll(changes)

	elements := doc.Snapshot()
	creates := make([]types.Change, 0, len(elements))
	for _, el := range elements {
		creates = append(creates, types.Change{
			ChangeType:  types.ChangeCreate,
			ElementType: el.Kind(),
			Object:      el,
			CreatedAt:   at,
			RoomID:      roomID,
		})
	}

	return Payload{
		Room:          roomID,
		ChangeCount:   len(changes),
		VersionVector: vv,
		Elements:      creates,
		Tombstones:    doc.Tombstones(),
		CreatedAt:     at,
	}
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
