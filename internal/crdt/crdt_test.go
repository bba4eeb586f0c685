package crdt

import (
	"reflect"
	"testing"
)

type peer struct{ name string }

// link forwards every update between a and b until the returned func is called.
func link(a, b *Doc) func() {
	fromA, fromB := &peer{"a"}, &peer{"b"}
	c1 := a.OnUpdate(func(u Update, origin any) {
		if origin != fromB {
			b.ApplyUpdate(u, fromA)
		}
	})
	c2 := b.OnUpdate(func(u Update, origin any) {
		if origin != fromA {
			a.ApplyUpdate(u, fromB)
		}
	})
	return func() { c1(); c2() }
}

func exchange(a, b *Doc) {
	sa, sb := a.EncodeState(), b.EncodeState()
	a.ApplyUpdate(sb, nil)
	b.ApplyUpdate(sa, nil)
}

func strings(t *testing.T, d *Doc, name string) []string {
	t.Helper()
	var out []string
	for _, raw := range d.Array(name).Values() {
		out = append(out, string(raw))
	}
	return out
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDocWithClient("a")
	b := NewDocWithClient("b")

	a.Transact(nil, func(tx *Txn) { _ = tx.Map("room").Set("name", "first") })
	b.Transact(nil, func(tx *Txn) { _ = tx.Map("room").Set("name", "second") })
	exchange(a, b)

	var na, nb string
	if _, err := a.Map("room").Get("name", &na); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := b.Map("room").Get("name", &nb); err != nil {
		t.Fatalf("get: %v", err)
	}
	// equal clocks: client id breaks the tie
	if na != "second" || nb != "second" {
		t.Fatalf("expected both replicas to converge on %q, got %q / %q", "second", na, nb)
	}
}

func TestMapDeleteTombstoneBeatsOlderSet(t *testing.T) {
	a := NewDocWithClient("a")
	b := NewDocWithClient("b")
	defer link(a, b)()

	a.Transact(nil, func(tx *Txn) { _ = tx.Map("m").Set("k", 1) })
	stale := a.EncodeState()
	b.Transact(nil, func(tx *Txn) { tx.Map("m").Delete("k") })

	if n := a.ApplyUpdate(stale, nil); n != 0 {
		t.Fatalf("expected stale replay to be ignored, applied %d", n)
	}
	if a.Map("m").Has("k") || b.Map("m").Has("k") {
		t.Fatalf("expected key deleted on both replicas")
	}
}

func TestArrayConcurrentInsertsConverge(t *testing.T) {
	a := NewDocWithClient("a")
	b := NewDocWithClient("b")
	c := NewDocWithClient("c")

	a.Transact(nil, func(tx *Txn) {
		_ = tx.Array("l").Push("x")
		_ = tx.Array("l").Push("y")
	})
	b.ApplyUpdate(a.EncodeState(), nil)
	c.ApplyUpdate(a.EncodeState(), nil)

	a.Transact(nil, func(tx *Txn) { _ = tx.Array("l").Insert(1, "a1") })
	b.Transact(nil, func(tx *Txn) { _ = tx.Array("l").Insert(1, "b1") })
	c.Transact(nil, func(tx *Txn) { tx.Array("l").Delete(0, 1) })

	exchange(a, b)
	exchange(b, c)
	exchange(a, c)

	want := strings(t, a, "l")
	if len(want) != 3 {
		t.Fatalf("expected 3 visible elements, got %v", want)
	}
	for _, d := range []*Doc{b, c} {
		if got := strings(t, d, "l"); !reflect.DeepEqual(got, want) {
			t.Fatalf("replicas diverged: %v vs %v", got, want)
		}
	}
	if want[len(want)-1] != `"y"` {
		t.Fatalf("expected y to stay last, got %v", want)
	}
}

func TestOutOfOrderDeliveryIsParked(t *testing.T) {
	a := NewDocWithClient("a")
	var updates []Update
	a.OnUpdate(func(u Update, _ any) { updates = append(updates, u) })

	a.Transact(nil, func(tx *Txn) { _ = tx.Array("l").Push("one") })
	a.Transact(nil, func(tx *Txn) { _ = tx.Array("l").Push("two") })
	a.Transact(nil, func(tx *Txn) { tx.Array("l").Delete(0, 1) })

	b := NewDocWithClient("b")
	b.ApplyUpdate(updates[2], nil)
	b.ApplyUpdate(updates[1], nil)
	if b.Pending() != 2 {
		t.Fatalf("expected 2 parked ops, got %d", b.Pending())
	}
	b.ApplyUpdate(updates[0], nil)
	if b.Pending() != 0 {
		t.Fatalf("expected parked ops to drain, got %d", b.Pending())
	}
	if got := strings(t, b, "l"); !reflect.DeepEqual(got, []string{`"two"`}) {
		t.Fatalf("unexpected contents %v", got)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewDocWithClient("a")
	a.Transact(nil, func(tx *Txn) {
		_ = tx.Array("l").Push(1)
		_ = tx.Map("m").Set("k", "v")
	})
	state := a.EncodeState()

	b := NewDocWithClient("b")
	if n := b.ApplyUpdate(state, nil); n != 2 {
		t.Fatalf("expected 2 ops applied, got %d", n)
	}
	if n := b.ApplyUpdate(state, nil); n != 0 {
		t.Fatalf("expected replay to apply nothing, got %d", n)
	}
	if b.Array("l").Len() != 1 {
		t.Fatalf("expected single element after replay")
	}
}

func TestTransactNotifiesOncePerTarget(t *testing.T) {
	d := NewDocWithClient("a")
	var events []Event
	d.Observe("m", func(e Event) { events = append(events, e) })
	var updates int
	d.OnUpdate(func(Update, any) { updates++ })

	d.Transact("host", func(tx *Txn) {
		m := tx.Map("m")
		_ = m.Set("a", 1)
		_ = m.Set("b", 2)
		if !m.Has("a") {
			t.Fatalf("expected writes visible inside transaction")
		}
	})

	if len(events) != 1 || updates != 1 {
		t.Fatalf("expected one event and one update, got %d / %d", len(events), updates)
	}
	if events[0].Origin != "host" || !events[0].Local {
		t.Fatalf("unexpected event %+v", events[0])
	}

	d.Transact(nil, func(tx *Txn) {})
	if updates != 1 {
		t.Fatalf("empty transaction must not emit")
	}
}

func TestLinkedReplicasDoNotLoop(t *testing.T) {
	a := NewDocWithClient("a")
	b := NewDocWithClient("b")
	defer link(a, b)()

	a.Transact(nil, func(tx *Txn) { _ = tx.Array("l").Push("x") })
	b.Transact(nil, func(tx *Txn) { _ = tx.Array("l").Push("y") })

	if !reflect.DeepEqual(strings(t, a, "l"), strings(t, b, "l")) {
		t.Fatalf("linked replicas diverged")
	}
	if a.Array("l").Len() != 2 {
		t.Fatalf("expected 2 elements, got %d", a.Array("l").Len())
	}
}

func TestUpdateCodecRoundTrip(t *testing.T) {
	a := NewDocWithClient("a")
	a.Transact(nil, func(tx *Txn) {
		_ = tx.Map("m").Set("k", map[string]int{"n": 1})
		_ = tx.Array("l").Push("x")
	})
	raw, err := a.EncodeState().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := NewDocWithClient("b")
	if _, err := b.ApplyEncoded(raw, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	var v map[string]int
	if ok, err := b.Map("m").Get("k", &v); !ok || err != nil || v["n"] != 1 {
		t.Fatalf("expected decoded map value, got %v ok=%v err=%v", v, ok, err)
	}

	if _, err := DecodeUpdate([]byte{0xc1}); err == nil {
		t.Fatalf("expected garbage to be rejected")
	}
}
