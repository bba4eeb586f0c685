// Package crdt is a small replicated document: named last-writer-wins maps and RGA arrays
// whose operations merge commutatively and idempotently across replicas.
package crdt

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Event is delivered to observers after a transaction or remote update touched a shared type.
type Event struct {
	Target string
	Origin any
	Local  bool
}

type applyResult int

const (
	applied applyResult = iota
	duplicate
	superseded
	missing
)

// Doc is one replica. All methods are safe for concurrent use.
type Doc struct {
	mu      sync.Mutex
	client  string
	clock   uint64
	maps    map[string]*mapState
	arrays  map[string]*arrayState
	pending []Op

	hmu       sync.RWMutex
	nextSub   int
	observers map[string]map[int]func(Event)
	handlers  map[int]func(Update, any)
}

// NewDoc creates a replica with a random client id.
func NewDoc() *Doc {
	return NewDocWithClient(uuid.NewString())
}

// NewDocWithClient creates a replica with a fixed client id; ids must be unique per replica.
func NewDocWithClient(client string) *Doc {
	return &Doc{
		client:    client,
		maps:      make(map[string]*mapState),
		arrays:    make(map[string]*arrayState),
		observers: make(map[string]map[int]func(Event)),
		handlers:  make(map[int]func(Update, any)),
	}
}

// Transact runs fn with exclusive access to the replica. Mutations are visible to reads inside
// fn immediately; observers and update handlers run once, after fn returns.
// fn must not call other Doc methods.
func (d *Doc) Transact(origin any, fn func(tx *Txn)) {
	tx := &Txn{doc: d, changed: make(map[string]struct{})}
	func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		fn(tx)
	}()
	d.emit(tx.ops, tx.changed, origin, true)
}

// ApplyUpdate integrates a remote update and returns the number of ops that changed state.
// Ops whose dependencies have not arrived yet are parked until they do.
func (d *Doc) ApplyUpdate(u Update, origin any) int {
	d.mu.Lock()
	ops, changed := d.integrate(u.Ops)
	d.mu.Unlock()
	d.emit(ops, changed, origin, false)
	return len(ops)
}

// ApplyEncoded decodes and applies an update produced by Update.Encode.
func (d *Doc) ApplyEncoded(b []byte, origin any) (int, error) {
	u, err := DecodeUpdate(b)
	if err != nil {
		return 0, err
	}
	return d.ApplyUpdate(u, origin), nil
}

// EncodeState returns an update that reproduces this replica's full state, parked ops included.
func (d *Doc) EncodeState() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for _, name := range sortedKeys(d.maps) {
		ops = append(ops, d.maps[name].state(name)...)
	}
	for _, name := range sortedKeys(d.arrays) {
		ops = append(ops, d.arrays[name].state(name)...)
	}
	ops = append(ops, d.pending...)
	return Update{Ops: ops}
}

// Pending reports how many received ops are waiting for their dependencies.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Observe registers fn for changes to the named shared type.
func (d *Doc) Observe(target string, fn func(Event)) (cancel func()) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	id := d.nextSub
	d.nextSub++
	if d.observers[target] == nil {
		d.observers[target] = make(map[int]func(Event))
	}
	d.observers[target][id] = fn
	return func() {
		d.hmu.Lock()
		delete(d.observers[target], id)
		d.hmu.Unlock()
	}
}

// OnUpdate registers fn for every update that changed this replica, local or remote.
// origin is the value passed to Transact or ApplyUpdate.
func (d *Doc) OnUpdate(fn func(u Update, origin any)) (cancel func()) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.handlers[id] = fn
	return func() {
		d.hmu.Lock()
		delete(d.handlers, id)
		d.hmu.Unlock()
	}
}

func (d *Doc) emit(ops []Op, changed map[string]struct{}, origin any, local bool) {
	if len(ops) == 0 {
		return
	}

	d.hmu.RLock()
	handlers := make([]func(Update, any), 0, len(d.handlers))
	for _, id := range sortedKeys(d.handlers) {
		handlers = append(handlers, d.handlers[id])
	}
	var observers []func(Event)
	var events []Event
	for _, target := range sortedKeys(changed) {
		subs := d.observers[target]
		for _, id := range sortedKeys(subs) {
			observers = append(observers, subs[id])
			events = append(events, Event{Target: target, Origin: origin, Local: local})
		}
	}
	d.hmu.RUnlock()

	u := Update{Ops: ops}
	for _, h := range handlers {
		h(u, origin)
	}
	for i, fn := range observers {
		fn(events[i])
	}
}

func (d *Doc) integrate(in []Op) ([]Op, map[string]struct{}) {
	var out []Op
	changed := make(map[string]struct{})
	for _, op := range in {
		if op.ID.Clock > d.clock {
			d.clock = op.ID.Clock
		}
		switch d.apply(op) {
		case applied:
			out = append(out, op)
			changed[op.Target] = struct{}{}
		case missing:
			d.pending = append(d.pending, op)
		}
	}

	for progress := len(out) > 0; progress && len(d.pending) > 0; {
		progress = false
		var rest []Op
		for _, op := range d.pending {
			switch d.apply(op) {
			case applied:
				out = append(out, op)
				changed[op.Target] = struct{}{}
				progress = true
			case missing:
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
	return out, changed
}

func (d *Doc) apply(op Op) applyResult {
	switch op.Kind {
	case OpMapSet, OpMapDelete:
		return d.mapState(op.Target, true).apply(op)
	case OpArrayInsert:
		return d.arrayState(op.Target, true).insert(op)
	case OpArrayDelete:
		return d.arrayState(op.Target, true).remove(op)
	}
	return duplicate
}

func (d *Doc) tick() ID {
	d.clock++
	return ID{Clock: d.clock, Client: d.client}
}

func (d *Doc) mapState(name string, create bool) *mapState {
	m, ok := d.maps[name]
	if !ok && create {
		m = &mapState{entries: make(map[string]*mapEntry)}
		d.maps[name] = m
	}
	return m
}

func (d *Doc) arrayState(name string, create bool) *arrayState {
	a, ok := d.arrays[name]
	if !ok && create {
		a = &arrayState{}
		d.arrays[name] = a
	}
	return a
}

// Txn is the mutation handle passed to Transact.
type Txn struct {
	doc     *Doc
	ops     []Op
	changed map[string]struct{}
}

// Map returns a read/write view of the named map within this transaction.
func (tx *Txn) Map(name string) *MapTxn {
	return &MapTxn{tx: tx, name: name}
}

// Array returns a read/write view of the named array within this transaction.
func (tx *Txn) Array(name string) *ArrayTxn {
	return &ArrayTxn{tx: tx, name: name}
}

func (tx *Txn) record(op Op) {
	tx.doc.apply(op)
	tx.ops = append(tx.ops, op)
	tx.changed[op.Target] = struct{}{}
}

type ordered interface {
	~string | ~int
}

func sortedKeys[K ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
