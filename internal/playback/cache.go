package playback

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/canvas-sync/internal/snapshot"
	"github.com/example/canvas-sync/internal/types"
)

// cacheKey identifies a materialized state by the exact history replayed to
// build it. Two histories of equal length are only interchangeable when
// their digests agree.
type cacheKey struct {
	Room        types.RoomID
	ChangeCount int
	Digest      uint64
}

func historyKey(roomID types.RoomID, changes []types.Change) cacheKey {
	d := xxhash.New()
	for _, c := range changes {
		v := c.Version()
		_, _ = d.WriteString(string(c.ChangeType))
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(string(c.ElementType))
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(c.ElementID())
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(v.UserID)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(strconv.Itoa(v.Version))
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(strconv.FormatBool(c.Ephemeral))
		_, _ = d.WriteString("\x1e")
	}
	return cacheKey{Room: roomID, ChangeCount: len(changes), Digest: d.Sum64()}
}

type stateCache struct {
	states *lru.Cache[cacheKey, snapshot.Payload]
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	states, err := lru.New[cacheKey, snapshot.Payload](capacity)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &stateCache{states: states}
}

func (c *stateCache) Get(key cacheKey) (snapshot.Payload, bool) {
	state, ok := c.states.Get(key)
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return snapshot.Payload{}, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return clonePayload(state), true
}

func (c *stateCache) Put(key cacheKey, state snapshot.Payload) {
	c.states.Add(key, clonePayload(state))
}

func clonePayload(p snapshot.Payload) snapshot.Payload {
	p.Elements = types.CloneChanges(p.Elements)
	p.Tombstones = append([]string(nil), p.Tombstones...)
	p.VersionVector = p.VersionVector.Clone()
	return p
}
