package crdt

import (
	"fmt"

	json "github.com/goccy/go-json"
)

type element struct {
	id      ID
	origin  ID
	value   []byte
	deleted bool
}

// arrayState is an RGA sequence. Each element remembers the element it was inserted after;
// concurrent inserts after the same origin are ordered by descending ID, which every replica
// computes identically.
type arrayState struct {
	elems []*element
}

func (a *arrayState) find(id ID) int {
	for i, e := range a.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (a *arrayState) insert(op Op) applyResult {
	if a.find(op.ID) >= 0 {
		return duplicate
	}
	pos := 0
	if !op.Origin.IsZero() {
		i := a.find(op.Origin)
		if i < 0 {
			return missing
		}
		pos = i + 1
	}
	for pos < len(a.elems) && op.ID.Less(a.elems[pos].id) {
		pos++
	}
	e := &element{id: op.ID, origin: op.Origin, value: op.Value}
	a.elems = append(a.elems, nil)
	copy(a.elems[pos+1:], a.elems[pos:])
	a.elems[pos] = e
	return applied
}

func (a *arrayState) remove(op Op) applyResult {
	i := a.find(op.Ref)
	if i < 0 {
		return missing
	}
	if a.elems[i].deleted {
		return duplicate
	}
	a.elems[i].deleted = true
	return applied
}

func (a *arrayState) visible() []*element {
	if a == nil {
		return nil
	}
	out := make([]*element, 0, len(a.elems))
	for _, e := range a.elems {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}

func (a *arrayState) values() [][]byte {
	vis := a.visible()
	out := make([][]byte, len(vis))
	for i, e := range vis {
		out[i] = e.value
	}
	return out
}

func (a *arrayState) state(name string) []Op {
	var ops, deletes []Op
	for _, e := range a.elems {
		ops = append(ops, Op{Kind: OpArrayInsert, Target: name, ID: e.id, Origin: e.origin, Value: e.value})
		if e.deleted {
			deletes = append(deletes, Op{Kind: OpArrayDelete, Target: name, ID: e.id, Ref: e.id})
		}
	}
	return append(ops, deletes...)
}

// Array is a read handle on a named shared array. Returned byte slices must not be modified.
type Array struct {
	doc  *Doc
	name string
}

// Array returns a read handle for the named array; it does not need to exist yet.
func (d *Doc) Array(name string) *Array {
	return &Array{doc: d, name: name}
}

func (a *Array) Len() int {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return len(a.doc.arrayState(a.name, false).visible())
}

// Values returns the visible elements in order.
func (a *Array) Values() [][]byte {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return a.doc.arrayState(a.name, false).values()
}

// ArrayTxn reads and writes a named array inside a transaction.
type ArrayTxn struct {
	tx   *Txn
	name string
}

func (a *ArrayTxn) state() *arrayState {
	return a.tx.doc.arrayState(a.name, false)
}

func (a *ArrayTxn) Len() int {
	return len(a.state().visible())
}

func (a *ArrayTxn) Values() [][]byte {
	return a.state().values()
}

// Get decodes the element at index i into v.
func (a *ArrayTxn) Get(i int, v any) error {
	vis := a.state().visible()
	if i < 0 || i >= len(vis) {
		return fmt.Errorf("array %s: index %d out of range", a.name, i)
	}
	_, err := decodeValue(vis[i].value, true, v)
	return err
}

// Push appends v after the last element, tombstones included.
func (a *ArrayTxn) Push(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s element: %w", a.name, err)
	}
	var origin ID
	if s := a.state(); s != nil && len(s.elems) > 0 {
		origin = s.elems[len(s.elems)-1].id
	}
	a.tx.record(Op{Kind: OpArrayInsert, Target: a.name, ID: a.tx.doc.tick(), Origin: origin, Value: raw})
	return nil
}

// Insert places v at visible index i; i beyond the end appends.
func (a *ArrayTxn) Insert(i int, v any) error {
	vis := a.state().visible()
	if i >= len(vis) {
		return a.Push(v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s element: %w", a.name, err)
	}
	var origin ID
	if i > 0 {
		origin = vis[i-1].id
	}
	a.tx.record(Op{Kind: OpArrayInsert, Target: a.name, ID: a.tx.doc.tick(), Origin: origin, Value: raw})
	return nil
}

// Delete removes n visible elements starting at index i.
func (a *ArrayTxn) Delete(i, n int) {
	vis := a.state().visible()
	for j := i; j < i+n && j < len(vis); j++ {
		if j < 0 {
			continue
		}
		a.tx.record(Op{Kind: OpArrayDelete, Target: a.name, ID: a.tx.doc.tick(), Ref: vis[j].id})
	}
}

// Replace deletes the element at i and inserts v in its place.
func (a *ArrayTxn) Replace(i int, v any) error {
	a.Delete(i, 1)
	return a.Insert(i, v)
}

func (a *ArrayTxn) Clear() {
	a.Delete(0, a.Len())
}
