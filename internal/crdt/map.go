package crdt

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

type mapEntry struct {
	id      ID
	value   []byte
	deleted bool
}

// mapState is a per-key last-writer-wins register set. Deletes leave tombstones so a
// late, older set cannot resurrect a key.
type mapState struct {
	entries map[string]*mapEntry
}

func (m *mapState) apply(op Op) applyResult {
	cur, ok := m.entries[op.Key]
	if ok {
		if cur.id == op.ID {
			return duplicate
		}
		if op.ID.Less(cur.id) {
			return superseded
		}
	}
	m.entries[op.Key] = &mapEntry{
		id:      op.ID,
		value:   op.Value,
		deleted: op.Kind == OpMapDelete,
	}
	return applied
}

func (m *mapState) get(key string) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

func (m *mapState) keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *mapState) entriesCopy() map[string][]byte {
	out := make(map[string][]byte)
	if m == nil {
		return out
	}
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

func (m *mapState) state(name string) []Op {
	ops := make([]Op, 0, len(m.entries))
	for _, k := range sortedKeys(m.entries) {
		e := m.entries[k]
		kind := OpMapSet
		if e.deleted {
			kind = OpMapDelete
		}
		ops = append(ops, Op{Kind: kind, Target: name, ID: e.id, Key: k, Value: e.value})
	}
	return ops
}

// Map is a read handle on a named shared map. Returned byte slices must not be modified.
type Map struct {
	doc  *Doc
	name string
}

// Map returns a read handle for the named map; it does not need to exist yet.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

func (m *Map) Raw(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.doc.mapState(m.name, false).get(key)
}

// Get decodes the value at key into v and reports whether the key was present.
func (m *Map) Get(key string, v any) (bool, error) {
	raw, ok := m.Raw(key)
	return decodeValue(raw, ok, v)
}

func (m *Map) Has(key string) bool {
	_, ok := m.Raw(key)
	return ok
}

func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.doc.mapState(m.name, false).keys()
}

func (m *Map) Len() int {
	return len(m.Keys())
}

// Entries returns a copy of the live key/value pairs.
func (m *Map) Entries() map[string][]byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.doc.mapState(m.name, false).entriesCopy()
}

// MapTxn reads and writes a named map inside a transaction.
type MapTxn struct {
	tx   *Txn
	name string
}

func (m *MapTxn) state() *mapState {
	return m.tx.doc.mapState(m.name, false)
}

func (m *MapTxn) Raw(key string) ([]byte, bool) {
	return m.state().get(key)
}

func (m *MapTxn) Get(key string, v any) (bool, error) {
	raw, ok := m.Raw(key)
	return decodeValue(raw, ok, v)
}

func (m *MapTxn) Has(key string) bool {
	_, ok := m.Raw(key)
	return ok
}

func (m *MapTxn) Keys() []string {
	return m.state().keys()
}

func (m *MapTxn) Len() int {
	return len(m.Keys())
}

func (m *MapTxn) Entries() map[string][]byte {
	return m.state().entriesCopy()
}

// Set encodes v as JSON and stores it under key.
func (m *MapTxn) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", m.name, key, err)
	}
	m.SetRaw(key, raw)
	return nil
}

// SetRaw stores an already encoded JSON value.
func (m *MapTxn) SetRaw(key string, raw []byte) {
	m.tx.record(Op{Kind: OpMapSet, Target: m.name, ID: m.tx.doc.tick(), Key: key, Value: raw})
}

func (m *MapTxn) Delete(key string) {
	if !m.Has(key) {
		return
	}
	m.tx.record(Op{Kind: OpMapDelete, Target: m.name, ID: m.tx.doc.tick(), Key: key})
}

// Clear deletes every live key.
func (m *MapTxn) Clear() {
	for _, k := range m.Keys() {
		m.Delete(k)
	}
}

func decodeValue(raw []byte, ok bool, v any) (bool, error) {
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode value: %w", err)
	}
	return true, nil
}
