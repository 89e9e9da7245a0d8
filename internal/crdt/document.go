package crdt

import (
	"reflect"
	"sort"
	"sync"

	"github.com/example/canvas-sync/internal/types"
)

// Event describes the outcome of running a change through the merge rule.
type Event struct {
	Change   types.Change
	Accepted bool
}

// Listener receives document events.
type Listener func(Event)

// Document is a last-writer-wins map of elements keyed by id, with permanent
// tombstones. A tombstoned id can never be re-applied.
type Document struct {
	mu         sync.RWMutex
	elements   map[string]types.Element
	tombstones map[string]struct{}
	listeners  map[int]Listener
	nextID     int
}

// NewDocument constructs an empty document.
func NewDocument() *Document {
	return &Document{
		elements:   make(map[string]types.Element),
		tombstones: make(map[string]struct{}),
		listeners:  make(map[int]Listener),
	}
}

// Apply runs the merge rule for the change and reports whether the document
// state changed. Deletes are applied unconditionally, independent of version.
func (d *Document) Apply(change types.Change) bool {
	id := change.ElementID()
	if id == "" {
		return false
	}

	d.mu.Lock()
	var accepted bool
	switch change.ChangeType {
	case types.ChangeDelete:
		if _, ok := d.tombstones[id]; !ok {
			tombstoneTotal.Inc()
		}
		d.tombstones[id] = struct{}{}
		delete(d.elements, id)
		accepted = true
	default:
		accepted = d.applyUpsert(id, change.Object)
	}
	d.mu.Unlock()

	observeApply(string(change.ChangeType), accepted)
	d.emit(Event{Change: change, Accepted: accepted})
	return accepted
}

func (d *Document) applyUpsert(id string, obj types.Element) bool {
	if _, dead := d.tombstones[id]; dead {
		return false
	}
	if prior, ok := d.elements[id]; ok && !IsNewer(obj.Base().UserVersion, prior.Base().UserVersion) {
		return false
	}
	d.elements[id] = obj.Clone()
	return true
}

// ApplyAll applies the changes in order and returns how many were accepted.
func (d *Document) ApplyAll(changes []types.Change) int {
	var n int
	for _, c := range changes {
		if d.Apply(c) {
			n++
		}
	}
	return n
}

// Element returns a copy of the visible element with the given id.
func (d *Document) Element(id string) (types.Element, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	el, ok := d.elements[id]
	if !ok {
		return nil, false
	}
	return el.Clone(), true
}

// IsTombstoned reports whether the id has been deleted.
func (d *Document) IsTombstoned(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tombstones[id]
	return ok
}

// Len returns the number of visible elements.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.elements)
}

// Snapshot returns copies of the visible elements ordered by id.
func (d *Document) Snapshot() []types.Element {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.Element, 0, len(d.elements))
	for _, el := range d.elements {
		out = append(out, el.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base().ID < out[j].Base().ID })
	return out
}

// Tombstones returns the tombstoned ids in sorted order.
func (d *Document) Tombstones() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.tombstones))
	for id := range d.tombstones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy of the document without listeners.
func (d *Document) Clone() *Document {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := NewDocument()
	for id, el := range d.elements {
		out.elements[id] = el.Clone()
	}
	for id := range d.tombstones {
		out.tombstones[id] = struct{}{}
	}
	return out
}

// Equal reports whether both documents hold the same visible elements and
// tombstones.
func (d *Document) Equal(other *Document) bool {
	a, b := d.Snapshot(), other.Snapshot()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !elementsEqual(a[i], b[i]) {
			return false
		}
	}
	ta, tb := d.Tombstones(), other.Tombstones()
	if len(ta) != len(tb) {
		return false
	}
	for i := range ta {
		if ta[i] != tb[i] {
			return false
		}
	}
	return true
}

// Subscribe registers a listener and returns a function that removes it.
func (d *Document) Subscribe(listener Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = listener
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Document) emit(evt Event) {
	d.mu.RLock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.RUnlock()

	for _, l := range listeners {
		l(evt)
	}
}

func elementsEqual(a, b types.Element) bool {
	return reflect.DeepEqual(a, b)
}
