package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnknownElementType is returned when a change carries an element tag
	// that has no registered variant.
	ErrUnknownElementType = errors.New("unknown element type")
	// ErrUnknownChangeType is returned for change types other than create,
	// update and delete.
	ErrUnknownChangeType = errors.New("unknown change type")
	// ErrInvalidChange is returned for changes missing an element id, an
	// author or a positive version.
	ErrInvalidChange = errors.New("invalid change")
)

// RoomID identifies a collaborative room (one shared document).
type RoomID string

// ChangeType enumerates the mutation kinds carried by a Change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether the change type is one of the known kinds.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// UserVersion is the authoring actor's per-element counter.
type UserVersion struct {
	UserID  string `json:"userId"`
	Version int    `json:"version"`
}

// VersionVector maps an actor to the highest version known for it.
type VersionVector map[string]UserVersion

// Get returns the recorded version for the actor, or 0 when unknown.
func (vv VersionVector) Get(actor string) int {
	if v, ok := vv[actor]; ok {
		return v.Version
	}
	return 0
}

// Set records a version for the actor.
func (vv VersionVector) Set(actor string, version int) {
	vv[actor] = UserVersion{UserID: actor, Version: version}
}

// Actors returns the actors present in the vector in sorted order.
func (vv VersionVector) Actors() []string {
	actors := make([]string, 0, len(vv))
	for actor := range vv {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Clone returns an independent copy of the vector.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for k, v := range vv {
		out[k] = v
	}
	return out
}

// Change is the unit of synchronization: a full element snapshot plus the
// kind of mutation it represents.
type Change struct {
	ChangeType  ChangeType
	ElementType ElementType
	Object      Element
	Ephemeral   bool
	CreatedAt   time.Time
	RoomID      RoomID
}

// ElementID returns the id of the element the change targets.
func (c Change) ElementID() string {
	if c.Object == nil {
		return ""
	}
	return c.Object.Base().ID
}

// Version returns the authoring actor's version carried by the change.
func (c Change) Version() UserVersion {
	if c.Object == nil {
		return UserVersion{}
	}
	return c.Object.Base().UserVersion
}

// Actor returns the user id that authored the change.
func (c Change) Actor() string {
	return c.Version().UserID
}

// Clone returns a copy of the change that shares no mutable state with the
// receiver.
func (c Change) Clone() Change {
	if c.Object != nil {
		c.Object = c.Object.Clone()
	}
	return c
}

type wireChange struct {
	ChangeType  ChangeType      `json:"changeType"`
	ElementType ElementType     `json:"elementType"`
	Object      json.RawMessage `json:"object"`
	Ephemeral   bool            `json:"ephemeral"`
	CreatedAt   time.Time       `json:"createdAt"`
	RoomID      RoomID          `json:"roomId,omitempty"`
}

// MarshalJSON encodes the change using the wire field names.
func (c Change) MarshalJSON() ([]byte, error) {
	if c.Object == nil {
		return nil, fmt.Errorf("change without object")
	}
	obj, err := json.Marshal(c.Object)
	if err != nil {
		return nil, fmt.Errorf("encode %s object: %w", c.ElementType, err)
	}
	elementType := c.ElementType
	if elementType == "" {
		elementType = c.Object.Kind()
	}
	return json.Marshal(wireChange{
		ChangeType:  c.ChangeType,
		ElementType: elementType,
		Object:      obj,
		Ephemeral:   c.Ephemeral,
		CreatedAt:   c.CreatedAt,
		RoomID:      c.RoomID,
	})
}

// UnmarshalJSON decodes a change, selecting the element variant from the
// elementType tag.
func (c *Change) UnmarshalJSON(data []byte) error {
	var wire wireChange
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode change: %w", err)
	}
	if !wire.ChangeType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChangeType, wire.ChangeType)
	}
	obj, err := DecodeElement(wire.ElementType, wire.Object)
	if err != nil {
		return err
	}
	base := obj.Base()
	switch {
	case base.ID == "":
		return fmt.Errorf("%w: element id is required", ErrInvalidChange)
	case base.UserVersion.UserID == "":
		return fmt.Errorf("%w: userVersion.userId is required for %s", ErrInvalidChange, base.ID)
	case base.UserVersion.Version < 1:
		return fmt.Errorf("%w: userVersion.version must be positive for %s, got %d", ErrInvalidChange, base.ID, base.UserVersion.Version)
	}
	*c = Change{
		ChangeType:  wire.ChangeType,
		ElementType: wire.ElementType,
		Object:      obj,
		Ephemeral:   wire.Ephemeral,
		CreatedAt:   wire.CreatedAt,
		RoomID:      wire.RoomID,
	}
	return nil
}

// CloneChanges deep-copies a batch of changes.
func CloneChanges(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = c.Clone()
	}
	return out
}

// Point is a position on the canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Cursor is the ephemeral pointer position of a connected user. Cursors are
// never persisted.
type Cursor struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Color       string    `json:"color"`
	Position    Point     `json:"position"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Room is the metadata row for a collaborative room.
type Room struct {
	ID        RoomID    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
