package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/infra/memory"
)

func newTestService(docs app.DocumentRepository, opts app.ServiceOptions) *app.RoomService {
	if opts.Clock == nil {
		opts.Clock = newTestClock().Now
	}
	return app.NewRoomService(docs, nil, opts)
}

func connect(t *testing.T, svc *app.RoomService, user string, host bool) *app.Conn {
	t.Helper()
	c, err := svc.Connect(context.Background(), app.ConnectRequest{
		RoomID:  testRoom,
		Self:    domain.Identity{ID: user, Name: user},
		Host:    host,
		Initial: domain.Room{Name: "Served"},
	})
	if err != nil {
		t.Fatalf("connect %s: %v", user, err)
	}
	return c
}

// drain returns everything queued on ch without blocking.
func drain(ch <-chan []byte) [][]byte {
	var out [][]byte
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, b)
		default:
			return out
		}
	}
}

func applyAll(t *testing.T, doc *crdt.Doc, updates [][]byte) {
	t.Helper()
	for _, u := range updates {
		if _, err := doc.ApplyEncoded(u, nil); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
}

func TestConnectStreamsStateAndForwardsUpdates(t *testing.T) {
	svc := newTestService(memory.NewDocumentStore(nil), app.ServiceOptions{})
	host := connect(t, svc, "host", true)
	guest := connect(t, svc, "guest", false)

	client := crdt.NewDoc()
	applyAll(t, client, drain(guest.Out()))
	view, err := app.Attach(client, app.AttachOptions{RoomID: testRoom})
	if err != nil {
		t.Fatalf("attach view: %v", err)
	}
	defer view.Close()
	if view.Store.Get().Name != "Served" || len(view.Participants.List()) != 2 {
		t.Fatalf("client did not catch up: %+v", view.Snapshot())
	}
	drain(host.Out())

	// a client-side edit reaches the other connection and is not echoed back
	client.Transact(nil, func(tx *crdt.Txn) { _ = tx.Map("answers").Set("guest:q", "raw") })
	update, err := client.EncodeState().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n, err := guest.Apply(update); err != nil || n != 1 {
		t.Fatalf("expected one new op, got %d (%v)", n, err)
	}
	if got := drain(guest.Out()); len(got) != 0 {
		t.Fatalf("update echoed to its sender: %d frames", len(got))
	}
	if got := drain(host.Out()); len(got) != 1 {
		t.Fatalf("expected one forwarded frame, got %d", len(got))
	}
}

func TestDisconnectMarksLeftAndUnready(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(memory.NewDocumentStore(nil), app.ServiceOptions{})
	host := connect(t, svc, "host", true)
	guest := connect(t, svc, "guest", false)
	tab := connect(t, svc, "guest", false)

	if err := host.Replica.Participants.Approve("guest"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := host.Replica.Session.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := guest.Replica.Session.MarkReady(); err != nil {
		t.Fatalf("ready: %v", err)
	}

	svc.Disconnect(ctx, tab)
	state, err := svc.State(testRoom)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(state.Ready) != 1 {
		t.Fatalf("another tab is still open, ready-set must stay, got %v", state.Ready)
	}

	svc.Disconnect(ctx, guest)
	state, _ = svc.State(testRoom)
	for _, p := range state.Participants {
		if p.ID == "guest" && p.Status != domain.ParticipantLeft {
			t.Fatalf("expected guest left, got %s", p.Status)
		}
	}
	if len(state.Ready) != 0 {
		t.Fatalf("expected empty ready-set, got %v", state.Ready)
	}

	// disconnecting twice is harmless
	svc.Disconnect(ctx, guest)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	svc := newTestService(memory.NewDocumentStore(nil), app.ServiceOptions{})
	if _, _, err := svc.Subscribe(context.Background(), testRoom); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}

	host := connect(t, svc, "host", true)
	ch, cancel, err := svc.Subscribe(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	<-ch // initial snapshot

	if err := host.Replica.Store.Set(app.FieldName, "Renamed"); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case snap := <-ch:
		if snap.Room.Name != "Renamed" {
			t.Fatalf("expected renamed snapshot, got %+v", snap.Room)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a snapshot after the change")
	}
}

func TestEvictionPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	snapshots := memory.NewStaticSnapshots()
	docs := memory.NewDocumentStore(snapshots)
	svc := newTestService(docs, app.ServiceOptions{Snapshots: snapshots})

	host := connect(t, svc, "host", true)
	if _, err := host.Replica.Questions.Add("Saved question"); err != nil {
		t.Fatalf("add: %v", err)
	}
	svc.Disconnect(ctx, host)

	if _, ok := docs.Get(testRoom); ok {
		t.Fatalf("expected the document evicted")
	}
	if _, err := svc.State(testRoom); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not hosted, got %v", err)
	}

	back := connect(t, svc, "host", true)
	if n := len(back.Replica.Questions.List()); n != 1 {
		t.Fatalf("expected the question restored, got %d", n)
	}
	if p, ok := back.Replica.Participants.Get("host"); !ok || p.Status != domain.ParticipantActive {
		t.Fatalf("expected host active again, got %+v", p)
	}
}

func TestImportQuestionSetThroughService(t *testing.T) {
	correct := true
	sets := memory.NewQuestionSetRepository(memory.NewStaticQuestionSetLoader(map[string]domain.QuestionSet{
		"geo": {
			ID:        "geo",
			Questions: []domain.QuestionRow{{Key: "k1", Text: "Largest ocean?"}},
			Options: []domain.OptionRow{
				{QuestionID: "k1", Text: "Pacific", Correct: &correct},
				{QuestionID: "k1", Text: "Atlantic"},
			},
		},
	}), time.Minute)
	svc := app.NewRoomService(memory.NewDocumentStore(nil), sets, app.ServiceOptions{})
	host := connect(t, svc, "host", true)

	res, err := svc.ImportQuestionSet(context.Background(), host, "geo")
	if err != nil || res.Imported != 1 {
		t.Fatalf("import: %+v, %v", res, err)
	}
	if _, err := svc.ImportQuestionSet(context.Background(), host, "nope"); !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected set not found, got %v", err)
	}
}

// bus is an in-process relay shared by several service instances.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]busSub
}

type busSub struct {
	owner *busRelay
	fn    func([]byte)
}

type busRelay struct{ bus *bus }

func newBus() *bus { return &bus{subs: make(map[string]map[int]busSub)} }

func (b *bus) relay() *busRelay { return &busRelay{bus: b} }

func (r *busRelay) Publish(_ context.Context, roomID string, update []byte) error {
	r.bus.mu.Lock()
	var targets []func([]byte)
	for _, s := range r.bus.subs[roomID] {
		if s.owner != r {
			targets = append(targets, s.fn)
		}
	}
	r.bus.mu.Unlock()
	for _, fn := range targets {
		fn(update)
	}
	return nil
}

func (r *busRelay) Subscribe(_ context.Context, roomID string, fn func([]byte)) (func(), error) {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	id := r.bus.next
	r.bus.next++
	if r.bus.subs[roomID] == nil {
		r.bus.subs[roomID] = make(map[int]busSub)
	}
	r.bus.subs[roomID][id] = busSub{owner: r, fn: fn}
	return func() {
		r.bus.mu.Lock()
		delete(r.bus.subs[roomID], id)
		r.bus.mu.Unlock()
	}, nil
}

func TestRelayedInstancesConverge(t *testing.T) {
	b := newBus()
	svcA := newTestService(memory.NewDocumentStore(nil), app.ServiceOptions{Relay: b.relay()})
	svcB := newTestService(memory.NewDocumentStore(nil), app.ServiceOptions{Relay: b.relay()})

	host := connect(t, svcA, "host", true)
	if _, err := host.Replica.Questions.Add("Shared"); err != nil {
		t.Fatalf("add: %v", err)
	}

	// B starts hosting after A's history and catches up through the hello exchange
	guest := connect(t, svcB, "guest", false)
	if n := len(guest.Replica.Questions.List()); n != 1 {
		t.Fatalf("expected history on the late instance, got %d questions", n)
	}
	if p, ok := host.Replica.Participants.Get("guest"); !ok || p.Status != domain.ParticipantPending {
		t.Fatalf("expected guest visible on the first instance, got %+v", p)
	}

	if err := host.Replica.Participants.Approve("guest"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if v := guest.Replica.Gate.View(); v != app.ViewAdmitted {
		t.Fatalf("expected admission relayed, got %s", v)
	}
}

// gatedDocs holds loads of one room until release is closed.
type gatedDocs struct {
	*memory.DocumentStore
	room    string
	loads   atomic.Int32
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDocs) GetOrCreate(ctx context.Context, roomID string) (*crdt.Doc, error) {
	if roomID == g.room {
		g.loads.Add(1)
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.DocumentStore.GetOrCreate(ctx, roomID)
}

func TestSlowRoomLoadDoesNotBlockOtherRooms(t *testing.T) {
	ctx := context.Background()
	docs := &gatedDocs{
		DocumentStore: memory.NewDocumentStore(nil),
		room:          "slow",
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	svc := newTestService(docs, app.ServiceOptions{})

	type result struct {
		conn *app.Conn
		err  error
	}
	slow := make(chan result, 2)
	for _, user := range []string{"host", "guest"} {
		go func(user string) {
			c, err := svc.Connect(ctx, app.ConnectRequest{
				RoomID: "slow",
				Self:   domain.Identity{ID: user, Name: user},
				Host:   user == "host",
			})
			slow <- result{c, err}
		}(user)
	}
	<-docs.entered

	fast := make(chan result, 1)
	go func() {
		c, err := svc.Connect(ctx, app.ConnectRequest{
			RoomID: "fast",
			Self:   domain.Identity{ID: "other", Name: "other"},
			Host:   true,
		})
		fast <- result{c, err}
	}()
	select {
	case r := <-fast:
		if r.err != nil {
			t.Fatalf("connect fast room: %v", r.err)
		}
		svc.Disconnect(ctx, r.conn)
	case <-time.After(2 * time.Second):
		t.Fatalf("connect to another room waited for a slow load")
	}

	close(docs.release)
	for i := 0; i < 2; i++ {
		r := <-slow
		if r.err != nil {
			t.Fatalf("connect slow room: %v", r.err)
		}
		defer svc.Disconnect(ctx, r.conn)
	}
	if n := docs.loads.Load(); n != 1 {
		t.Fatalf("expected one load for concurrent connects, got %d", n)
	}
}

func TestHostIsDerivedFromRoomCreator(t *testing.T) {
	svc := newTestService(memory.NewDocumentStore(nil), app.ServiceOptions{})
	host := connect(t, svc, "host", true)
	defer svc.Disconnect(context.Background(), host)

	intruder := connect(t, svc, "intruder", true)
	defer svc.Disconnect(context.Background(), intruder)
	if intruder.Replica.Store.IsHost() {
		t.Fatalf("a non-creator must not become host of an existing room")
	}
	if err := intruder.Replica.Store.Set(app.FieldName, "Taken"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if p, _ := host.Replica.Participants.Get("intruder"); p.Status != domain.ParticipantPending {
		t.Fatalf("expected intruder pending, got %s", p.Status)
	}
	state, err := svc.State(testRoom)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Room.Name != "Served" || state.Room.CreatedBy != "host" {
		t.Fatalf("room changed by a non-creator: %+v", state.Room)
	}

	// the creator keeps host rights even without asking for them
	back := connect(t, svc, "host", false)
	defer svc.Disconnect(context.Background(), back)
	if !back.Replica.Store.IsHost() {
		t.Fatalf("expected the creator to be host on reconnect")
	}
}
