package app_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

const testRoom = "room-1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type peer struct{ name string }

// link forwards every update between a and b until the returned func is called.
func link(a, b *crdt.Doc) func() {
	fromA, fromB := &peer{"a"}, &peer{"b"}
	c1 := a.OnUpdate(func(u crdt.Update, origin any) {
		if origin != fromB {
			b.ApplyUpdate(u, fromA)
		}
	})
	c2 := b.OnUpdate(func(u crdt.Update, origin any) {
		if origin != fromA {
			a.ApplyUpdate(u, fromB)
		}
	})
	return func() { c1(); c2() }
}

func exchange(a, b *crdt.Doc) {
	sa, sb := a.EncodeState(), b.EncodeState()
	a.ApplyUpdate(sb, nil)
	b.ApplyUpdate(sa, nil)
}

type attachOpt func(*app.AttachOptions)

func withInitial(room domain.Room) attachOpt {
	return func(o *app.AttachOptions) { o.Initial = room }
}

func attach(t *testing.T, doc *crdt.Doc, clock *testClock, self string, host bool, opts ...attachOpt) *app.Room {
	t.Helper()
	o := app.AttachOptions{
		RoomID:  testRoom,
		IsHost:  host,
		Self:    domain.Identity{ID: self, Name: strings.ToUpper(self), Avatar: self + ".png"},
		Clock:   clock.Now,
		Initial: domain.Room{Name: "Quiz night"},
	}
	for _, opt := range opts {
		opt(&o)
	}
	r, err := app.Attach(doc, o)
	if err != nil {
		t.Fatalf("attach %s: %v", self, err)
	}
	t.Cleanup(r.Close)
	return r
}

// hostAndGuest returns a host and an approved guest on two linked replicas.
func hostAndGuest(t *testing.T, clock *testClock, opts ...attachOpt) (*app.Room, *app.Room) {
	t.Helper()
	a, b := crdt.NewDocWithClient("a"), crdt.NewDocWithClient("b")
	t.Cleanup(link(a, b))
	host := attach(t, a, clock, "host", true, opts...)
	guest := attach(t, b, clock, "guest", false)
	if err := host.Participants.Approve("guest"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return host, guest
}

func addQuestion(t *testing.T, host *app.Room, text string) domain.Question {
	t.Helper()
	id, err := host.Questions.Add(text)
	if err != nil {
		t.Fatalf("add question: %v", err)
	}
	q, ok := host.Questions.Get(id)
	if !ok {
		t.Fatalf("question %s not found after add", id)
	}
	return q
}
