// Package multikey provides an associative container where one value is
// reachable through a set of interchangeable alias keys. Guide sources label
// the same logical channel under different identifier schemes (provider
// numeric id, XMLTV channel id, user-configured aliases); the EPG index uses
// this container so a lookup by any alias resolves to the same program list.
package multikey

// Entry is one stored tuple: the full alias key set and its value.
// Exported so snapshots of the container can be gob-encoded.
type Entry[K comparable, V any] struct {
	Keys  []K
	Value V
}

// Dict maps sets of interchangeable keys to values. Aliasing is
// last-writer-wins at the key level: setting a tuple that reuses a key from
// an earlier tuple makes that earlier tuple unreachable through the reused
// key (and through its other keys once they are overwritten too).
type Dict[K comparable, V any] struct {
	entries map[int]*Entry[K, V]
	keysMap map[K]int
	nextID  int
}

// New returns an empty Dict.
func New[K comparable, V any]() *Dict[K, V] {
	return &Dict[K, V]{
		entries: make(map[int]*Entry[K, V]),
		keysMap: make(map[K]int),
	}
}

// Len reports the number of stored tuples (including tuples shadowed by a
// later Set that reused one of their keys).
func (d *Dict[K, V]) Len() int { return len(d.entries) }

// Set stores value under every key in keys. If the exact tuple is already
// present its value is replaced in place; otherwise a new tuple is created
// and each key in keys is (re)pointed at it.
func (d *Dict[K, V]) Set(keys []K, value V) {
	if len(keys) == 0 {
		return
	}
	if id, ok := d.findTuple(keys); ok {
		d.entries[id].Value = value
		for _, k := range keys {
			d.keysMap[k] = id
		}
		return
	}
	id := d.nextID
	d.nextID++
	ks := make([]K, len(keys))
	copy(ks, keys)
	d.entries[id] = &Entry[K, V]{Keys: ks, Value: value}
	for _, k := range ks {
		d.keysMap[k] = id
	}
}

// Get returns the value reachable through key.
func (d *Dict[K, V]) Get(key K) (V, bool) {
	if id, ok := d.keysMap[key]; ok {
		return d.entries[id].Value, true
	}
	var zero V
	return zero, false
}

// GetOr returns the value reachable through key, or def when absent.
func (d *Dict[K, V]) GetOr(key K, def V) V {
	if v, ok := d.Get(key); ok {
		return v
	}
	return def
}

// Keys returns the full alias tuple that key belongs to.
func (d *Dict[K, V]) Keys(key K) ([]K, bool) {
	if id, ok := d.keysMap[key]; ok {
		return d.entries[id].Keys, true
	}
	return nil, false
}

// Contains reports whether key reaches a value.
func (d *Dict[K, V]) Contains(key K) bool {
	_, ok := d.keysMap[key]
	return ok
}

// Delete removes the tuple reachable through key together with all of its
// alias keys. Returns false when key is unknown.
func (d *Dict[K, V]) Delete(key K) bool {
	id, ok := d.keysMap[key]
	if !ok {
		return false
	}
	for _, k := range d.entries[id].Keys {
		if d.keysMap[k] == id {
			delete(d.keysMap, k)
		}
	}
	delete(d.entries, id)
	return true
}

// Pop removes and returns the value reachable through key, or def.
func (d *Dict[K, V]) Pop(key K, def V) V {
	if v, ok := d.Get(key); ok {
		d.Delete(key)
		return v
	}
	return def
}

// SetDefault inserts value under keys only when the exact tuple is absent,
// and returns the value now stored under that tuple. Idempotent for a given
// tuple: a second call never overwrites.
func (d *Dict[K, V]) SetDefault(keys []K, value V) V {
	if len(keys) == 0 {
		return value
	}
	if id, ok := d.findTuple(keys); ok {
		return d.entries[id].Value
	}
	d.Set(keys, value)
	return value
}

// Update applies fn to the value stored under the exact tuple keys,
// inserting fn(zero) when absent. Lets callers append to slice values
// without a copy-out/copy-in round trip.
func (d *Dict[K, V]) Update(keys []K, fn func(V) V) {
	if len(keys) == 0 {
		return
	}
	if id, ok := d.findTuple(keys); ok {
		d.entries[id].Value = fn(d.entries[id].Value)
		return
	}
	var zero V
	d.Set(keys, fn(zero))
}

// Entries returns all stored tuples. The returned slices alias internal
// state and must not be mutated.
func (d *Dict[K, V]) Entries() []Entry[K, V] {
	out := make([]Entry[K, V], 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	return out
}

// FromEntries rebuilds a Dict from a snapshot produced by Entries.
func FromEntries[K comparable, V any](entries []Entry[K, V]) *Dict[K, V] {
	d := New[K, V]()
	for _, e := range entries {
		d.Set(e.Keys, e.Value)
	}
	return d
}

func (d *Dict[K, V]) findTuple(keys []K) (int, bool) {
	// Check the entry the first key points at before falling back to a scan:
	// a tuple can remain stored while shadowed in the keys map.
	if id, ok := d.keysMap[keys[0]]; ok && sameKeys(d.entries[id].Keys, keys) {
		return id, true
	}
	for id, e := range d.entries {
		if sameKeys(e.Keys, keys) {
			return id, true
		}
	}
	return 0, false
}

func sameKeys[K comparable](a, b []K) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
