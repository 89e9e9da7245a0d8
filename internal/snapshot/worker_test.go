package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-sync/internal/relay"
	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/types"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memoryObjects) PutObject(_ context.Context, bucket, name string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.err != nil {
		return minio.UploadInfo{}, m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+name] = data
	return minio.UploadInfo{Bucket: bucket, Key: name, Size: int64(len(data))}, nil
}

type memoryRefs struct {
	mu   sync.Mutex
	refs []storage.SnapshotRef
}

func (m *memoryRefs) LatestSnapshot(_ context.Context, roomID types.RoomID) (storage.SnapshotRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := storage.SnapshotRef{Room: roomID}
	for _, ref := range m.refs {
		if ref.Room == roomID && ref.ChangeCount >= best.ChangeCount {
			best = ref
		}
	}
	return best, nil
}

func (m *memoryRefs) RecordSnapshot(_ context.Context, ref storage.SnapshotRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = append(m.refs, ref)
	return nil
}

type nopStore struct{}

func (nopStore) GetChangesByRoomID(context.Context, types.RoomID) ([]types.Change, error) {
	return nil, nil
}

func (nopStore) InsertChanges(context.Context, types.RoomID, []types.Change) error { return nil }

type idleMember struct{ id string }

func (m idleMember) ID() string        { return m.id }
func (m idleMember) Send([]byte) error { return nil }

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

func activeRoom(t *testing.T, changes ...types.Change) *relay.RoomRegistry {
	t.Helper()
	registry := relay.NewRoomRegistry(nopStore{}, zerolog.Nop(), relay.RegistryConfig{})
	room, err := registry.Join(context.Background(), "room-1", idleMember{id: "alice"})
	require.NoError(t, err)
	room.Sync().AddRemoteChange(context.Background(), changes, nil)
	room.Sync().Wait()
	return registry
}

func TestWorkerArchivesRoomPastThreshold(t *testing.T) {
	registry := activeRoom(t,
		rect(types.ChangeCreate, "r1", "alice", 1),
		rect(types.ChangeCreate, "r2", "alice", 1),
		rect(types.ChangeUpdate, "r1", "alice", 2),
		rect(types.ChangeDelete, "r2", "alice", 3),
	)
	objects := &memoryObjects{objects: map[string][]byte{}}
	refs := &memoryRefs{}

	w := NewWorker(registry, refs, objects, "bucket", zerolog.Nop(), Config{Threshold: 3})
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	w.runOnce(context.Background())

	require.Len(t, refs.refs, 1)
	ref := refs.refs[0]
	assert.Equal(t, 4, ref.ChangeCount)
	assert.Equal(t, fmt.Sprintf("snapshots/room-1/%d.json", fixed.UnixNano()), ref.ObjectPath)

	data, ok := objects.objects["bucket/"+ref.ObjectPath]
	require.True(t, ok)
	payload, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, types.RoomID("room-1"), payload.Room)
	assert.Equal(t, []string{"r2"}, payload.Tombstones)
	require.Len(t, payload.Elements, 1)
	assert.Equal(t, 2, payload.Elements[0].Version().Version)

	doc := payload.Restore()
	assert.Equal(t, 1, doc.Len())
	assert.True(t, doc.IsTombstoned("r2"))
}

func TestWorkerSkipsBelowThreshold(t *testing.T) {
	registry := activeRoom(t, rect(types.ChangeCreate, "r1", "alice", 1))
	objects := &memoryObjects{objects: map[string][]byte{}}
	refs := &memoryRefs{refs: []storage.SnapshotRef{{Room: "room-1", ChangeCount: 0}}}

	w := NewWorker(registry, refs, objects, "bucket", zerolog.Nop(), Config{Threshold: 2})
	w.runOnce(context.Background())
	assert.Empty(t, objects.objects)

	room := registry.Room("room-1")
	room.Sync().AddRemoteChange(context.Background(), []types.Change{rect(types.ChangeCreate, "r2", "alice", 1)}, nil)
	w.runOnce(context.Background())
	assert.Len(t, objects.objects, 1)

	w.runOnce(context.Background())
	assert.Len(t, objects.objects, 1, "no new changes since the last archive")
}

func TestWorkerUploadFailureRecordsNothing(t *testing.T) {
	registry := activeRoom(t, rect(types.ChangeCreate, "r1", "alice", 1))
	objects := &memoryObjects{objects: map[string][]byte{}, err: errors.New("bucket gone")}
	refs := &memoryRefs{}

	w := NewWorker(registry, refs, objects, "bucket", zerolog.Nop(), Config{Threshold: 1})
	w.runOnce(context.Background())
	assert.Empty(t, refs.refs)
}

func TestBuildPayloadRoundTrip(t *testing.T) {
	changes := []types.Change{
		rect(types.ChangeCreate, "b", "bob", 1),
		rect(types.ChangeCreate, "a", "alice", 1),
	}
	payload := Build("room-9", changes, types.VersionVector{}, time.Unix(0, 0).UTC())
	require.Len(t, payload.Elements, 2)
	assert.Equal(t, "a", payload.Elements[0].ElementID())
	assert.True(t, strings.HasPrefix(string(payload.Room), "room-"))
}
