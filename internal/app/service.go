package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// DocumentRepository abstracts where live room documents are hosted (in-memory, Redis, etc).
type DocumentRepository interface {
	GetOrCreate(ctx context.Context, roomID string) (*crdt.Doc, error)
	Get(roomID string) (*crdt.Doc, bool)
	Evict(ctx context.Context, roomID string) error
}

// QuestionSetRepository loads stored question sets (from cache/backing store).
type QuestionSetRepository interface {
	GetQuestionSet(ctx context.Context, id string) (domain.QuestionSet, error)
}

// SnapshotStore persists full document states. LoadSnapshot returns nil, nil for unknown rooms.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, roomID string, state []byte) error
}

// Relay carries encoded updates between service instances hosting the same room.
type Relay interface {
	Publish(ctx context.Context, roomID string, update []byte) error
	Subscribe(ctx context.Context, roomID string, fn func(update []byte)) (cancel func(), err error)
}

type updateOrigin string

// fromRelay marks updates that arrived from another instance; they are never published back.
const fromRelay updateOrigin = "relay"

const (
	connBuffer      = 64
	snapshotBuffer  = 8
	publishTimeout  = 2 * time.Second
	persistAttempts = 3
)

// ServiceOptions tunes the server replica.
type ServiceOptions struct {
	Snapshots        SnapshotStore
	Relay            Relay
	SnapshotInterval time.Duration
	EvictAfter       time.Duration
	ExpressionFlush  time.Duration
	Clock            func() time.Time
	Logger           *slog.Logger
}

// RoomService hosts one replica per room and connects clients to it.
type RoomService struct {
	docs DocumentRepository
	sets QuestionSetRepository
	opts ServiceOptions
	log  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*hostedRoom
}

func NewRoomService(docs DocumentRepository, sets QuestionSetRepository, opts ServiceOptions) *RoomService {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RoomService{
		docs:  docs,
		sets:  sets,
		opts:  opts,
		log:   opts.Logger,
		rooms: make(map[string]*hostedRoom),
	}
}

type hostedRoom struct {
	id string
	// ready is closed once the room is loaded; err is set before that if loading failed.
	ready chan struct{}
	err   error

	doc   *crdt.Doc
	view  *Room
	dirty atomic.Bool

	mu          sync.Mutex
	conns       map[*Conn]struct{}
	subscribers map[chan Snapshot]struct{}
	cancels     []func()
	evict       *time.Timer
}

// ConnectRequest identifies who attaches to which room.
type ConnectRequest struct {
	RoomID string
	Self   domain.Identity
	// Host asks to create the room. Once the room exists, its creator is the host.
	Host bool
	// Initial seeds a room the host creates; ignored for everyone else.
	Initial domain.Room
}

// Conn is one client attached to a hosted room. Commands run through Replica as the client's
// identity; Out carries encoded updates the client has not seen.
type Conn struct {
	Replica *Room

	room   *hostedRoom
	self   domain.Identity
	cancel context.CancelFunc

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

// Out streams encoded updates for the client, starting with the full state.
func (c *Conn) Out() <-chan []byte {
	return c.out
}

func (c *Conn) Self() domain.Identity {
	return c.self
}

// Apply integrates an encoded update sent by the client. It is not echoed back.
func (c *Conn) Apply(update []byte) (int, error) {
	return c.room.doc.ApplyEncoded(update, c)
}

func (c *Conn) deliver(update []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- update:
		return
	default:
	}
	// the client fell behind; replace its backlog with one full state
	for drained := false; !drained; {
		select {
		case <-c.out:
		default:
			drained = true
		}
	}
	state, err := c.room.doc.EncodeState().Encode()
	if err != nil {
		return
	}
	c.out <- state
}

func (c *Conn) close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Connect attaches a client to the room, hosting the room on first use. The returned Conn's
// Out channel already holds the full document state.
func (s *RoomService) Connect(ctx context.Context, req ConnectRequest) (*Conn, error) {
	if req.RoomID == "" {
		return nil, domain.ErrRoomNotFound
	}
	if req.Self.ID == "" {
		return nil, domain.ErrNoIdentity
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		self:   req.Self,
		cancel: cancel,
		out:    make(chan []byte, connBuffer),
	}
	for {
		hr, err := s.host(ctx, req.RoomID)
		if err != nil {
			cancel()
			return nil, err
		}
		registered, err := s.register(hr, c)
		if err != nil {
			cancel()
			return nil, err
		}
		if registered {
			break
		}
		// evicted between loading and registering; host it again
	}

	isHost := req.Host
	if owner := c.room.view.Store.Get().CreatedBy; owner != "" {
		isHost = owner == req.Self.ID
	}
	replica, err := Attach(c.room.doc, AttachOptions{
		RoomID:          req.RoomID,
		Initial:         req.Initial,
		IsHost:          isHost,
		Self:            req.Self,
		Clock:           s.opts.Clock,
		Logger:          s.log,
		ExpressionFlush: s.opts.ExpressionFlush,
	})
	if err != nil {
		s.drop(ctx, c)
		return nil, err
	}
	c.Replica = replica
	go replica.Run(runCtx)

	s.log.Info("client connected", "room", req.RoomID, "user", req.Self.ID, "host", isHost)
	return c, nil
}

// register adds c to hr unless hr was evicted meanwhile. The full state is queued under hr.mu,
// so every later update reaches c through forward.
func (s *RoomService) register(hr *hostedRoom, c *Conn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[hr.id] != hr {
		return false, nil
	}
	hr.mu.Lock()
	defer hr.mu.Unlock()
	state, err := hr.doc.EncodeState().Encode()
	if err != nil {
		return false, err
	}
	c.room = hr
	c.out <- state
	hr.conns[c] = struct{}{}
	if hr.evict != nil {
		hr.evict.Stop()
		hr.evict = nil
	}
	return true, nil
}

// Disconnect is the disconnect signal: unless the same user is still connected elsewhere,
// their record is marked left and removed from the ready-set.
func (s *RoomService) Disconnect(ctx context.Context, c *Conn) {
	if c.Replica != nil {
		if _, err := c.Replica.Expressions.Flush(); err != nil {
			s.log.Warn("final expression flush failed", "room", c.room.id, "err", err)
		}
	}
	if !s.drop(ctx, c) {
		return
	}
	s.log.Info("client disconnected", "room", c.room.id, "user", c.self.ID)
}

func (s *RoomService) drop(ctx context.Context, c *Conn) bool {
	hr := c.room
	hr.mu.Lock()
	if _, ok := hr.conns[c]; !ok {
		hr.mu.Unlock()
		return false
	}
	delete(hr.conns, c)
	stillHere := false
	for other := range hr.conns {
		if other.self.ID == c.self.ID {
			stillHere = true
			break
		}
	}
	empty := len(hr.conns) == 0
	hr.mu.Unlock()

	c.close()
	if c.Replica != nil {
		if !stillHere {
			err := c.Replica.Participants.MarkLeft(c.self.ID)
			if err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
				s.log.Warn("mark left failed", "room", hr.id, "user", c.self.ID, "err", err)
			}
			c.Replica.Session.Unready(c.self.ID)
		}
		c.Replica.Close()
	}

	if empty {
		if err := s.persist(ctx, hr); err != nil {
			s.log.Error("persist room failed", "room", hr.id, "err", err)
		}
		s.scheduleEviction(hr)
	}
	return true
}

// State returns the current snapshot of a hosted room.
func (s *RoomService) State(roomID string) (Snapshot, error) {
	hr, ok := s.hosted(roomID)
	if !ok {
		return Snapshot{}, domain.ErrRoomNotFound
	}
	return hr.view.Snapshot(), nil
}

// Doc returns the hosted document of a room.
func (s *RoomService) Doc(roomID string) (*crdt.Doc, bool) {
	hr, ok := s.hosted(roomID)
	if !ok {
		return nil, false
	}
	return hr.doc, true
}

// Subscribe returns a channel that receives room snapshots after every change.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *RoomService) Subscribe(_ context.Context, roomID string) (<-chan Snapshot, func(), error) {
	hr, ok := s.hosted(roomID)
	if !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	ch := make(chan Snapshot, snapshotBuffer)

	hr.mu.Lock()
	hr.subscribers[ch] = struct{}{}
	ch <- hr.view.Snapshot()
	hr.mu.Unlock()

	cancel := func() {
		hr.mu.Lock()
		if _, ok := hr.subscribers[ch]; ok {
			delete(hr.subscribers, ch)
			close(ch)
		}
		hr.mu.Unlock()
	}
	return ch, cancel, nil
}

// ImportQuestionSet loads a stored set and bulk-imports it as the connection's identity.
func (s *RoomService) ImportQuestionSet(ctx context.Context, c *Conn, setID string) (domain.ImportResult, error) {
	if s.sets == nil {
		return domain.ImportResult{}, domain.ErrQuestionSetNotFound
	}
	set, err := s.sets.GetQuestionSet(ctx, setID)
	if err != nil {
		return domain.ImportResult{}, err
	}
	return c.Replica.Questions.ImportQuestionSet(set)
}

// Run writes snapshots of changed rooms every SnapshotInterval until ctx is done, then
// flushes all rooms once more.
func (s *RoomService) Run(ctx context.Context) {
	if s.opts.SnapshotInterval <= 0 {
		<-ctx.Done()
		s.flushAll(context.Background())
		return
	}
	ticker := time.NewTicker(s.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushAll(context.Background())
			return
		case <-ticker.C:
			s.flushAll(ctx)
		}
	}
}

func (s *RoomService) flushAll(ctx context.Context) {
	s.mu.Lock()
	rooms := make([]*hostedRoom, 0, len(s.rooms))
	for _, hr := range s.rooms {
		if hr.loaded() {
			rooms = append(rooms, hr)
		}
	}
	s.mu.Unlock()

	for _, hr := range rooms {
		if err := s.persist(ctx, hr); err != nil {
			s.log.Error("snapshot failed", "room", hr.id, "err", err)
		}
	}
}

// persist saves the full state if anything changed since the last save.
func (s *RoomService) persist(ctx context.Context, hr *hostedRoom) error {
	if s.opts.Snapshots == nil || !hr.dirty.Swap(false) {
		return nil
	}
	state, err := hr.doc.EncodeState().Encode()
	if err != nil {
		hr.dirty.Store(true)
		return err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 2 * time.Second
	err = backoff.Retry(func() error {
		return s.opts.Snapshots.SaveSnapshot(ctx, hr.id, state)
	}, backoff.WithContext(backoff.WithMaxRetries(retry, persistAttempts), ctx))
	if err != nil {
		hr.dirty.Store(true)
		return err
	}
	s.log.Debug("room snapshot saved", "room", hr.id, "bytes", len(state))
	return nil
}

func (s *RoomService) scheduleEviction(hr *hostedRoom) {
	if s.opts.EvictAfter <= 0 {
		s.evictIfIdle(hr)
		return
	}
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.evict != nil {
		hr.evict.Stop()
	}
	hr.evict = time.AfterFunc(s.opts.EvictAfter, func() { s.evictIfIdle(hr) })
}

func (s *RoomService) evictIfIdle(hr *hostedRoom) {
	s.mu.Lock()
	hr.mu.Lock()
	idle := len(hr.conns) == 0 && s.rooms[hr.id] == hr
	if idle {
		delete(s.rooms, hr.id)
	}
	hr.mu.Unlock()
	s.mu.Unlock()
	if !idle {
		return
	}

	ctx := context.Background()
	if err := s.persist(ctx, hr); err != nil {
		s.log.Error("persist before eviction failed", "room", hr.id, "err", err)
	}
	hr.close()
	if err := s.docs.Evict(ctx, hr.id); err != nil {
		s.log.Warn("evict room failed", "room", hr.id, "err", err)
	}
	s.log.Info("room evicted", "room", hr.id)
}

func (s *RoomService) hosted(roomID string) (*hostedRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hr, ok := s.rooms[roomID]
	if !ok || !hr.loaded() {
		return nil, false
	}
	return hr, true
}

func (hr *hostedRoom) loaded() bool {
	select {
	case <-hr.ready:
		return hr.err == nil
	default:
		return false
	}
}

// host returns the hosted room, loading it on first use. Loading and joining the relay happen
// outside s.mu; concurrent callers for the same room wait for the first load.
func (s *RoomService) host(ctx context.Context, roomID string) (*hostedRoom, error) {
	s.mu.Lock()
	hr, ok := s.rooms[roomID]
	if !ok {
		hr = &hostedRoom{
			id:          roomID,
			ready:       make(chan struct{}),
			conns:       make(map[*Conn]struct{}),
			subscribers: make(map[chan Snapshot]struct{}),
		}
		s.rooms[roomID] = hr
	}
	s.mu.Unlock()

	if ok {
		select {
		case <-hr.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if hr.err != nil {
			return nil, hr.err
		}
		return hr, nil
	}

	hr.err = s.load(ctx, hr)
	if hr.err != nil {
		s.mu.Lock()
		if s.rooms[roomID] == hr {
			delete(s.rooms, roomID)
		}
		s.mu.Unlock()
		hr.close()
	}
	close(hr.ready)
	if hr.err != nil {
		return nil, hr.err
	}
	s.log.Info("room hosted", "room", roomID)
	return hr, nil
}

func (s *RoomService) load(ctx context.Context, hr *hostedRoom) error {
	doc, err := s.docs.GetOrCreate(ctx, hr.id)
	if err != nil {
		return err
	}
	view, err := Attach(doc, AttachOptions{
		RoomID: hr.id,
		Clock:  s.opts.Clock,
		Logger: s.log,
	})
	if err != nil {
		return err
	}
	hr.doc = doc
	hr.view = view
	hr.cancels = append(hr.cancels, view.Close, doc.OnUpdate(func(u crdt.Update, origin any) {
		s.forward(hr, u, origin)
	}))

	if s.opts.Relay != nil {
		// the subscription outlives the request that caused the room to be hosted
		cancel, err := s.opts.Relay.Subscribe(context.Background(), hr.id, func(raw []byte) {
			s.receive(hr.id, doc, raw)
		})
		if err != nil {
			return err
		}
		hr.cancels = append(hr.cancels, cancel)
		s.publishState(hr.id, doc, true)
	}
	return nil
}

// forward fans one integrated update out to every other connection, the relay and the
// snapshot subscribers.
func (s *RoomService) forward(hr *hostedRoom, u crdt.Update, origin any) {
	hr.dirty.Store(true)
	raw, err := u.Encode()
	if err != nil {
		s.log.Error("encode update failed", "room", hr.id, "err", err)
		return
	}

	if s.opts.Relay != nil && origin != fromRelay {
		s.publish(hr.id, relayMessage{Update: raw})
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()
	for c := range hr.conns {
		if origin == c {
			continue
		}
		c.deliver(raw)
	}
	if len(hr.subscribers) > 0 {
		hr.broadcastLocked(hr.view.Snapshot())
	}
}

func (hr *hostedRoom) broadcastLocked(snap Snapshot) {
	for ch := range hr.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot so a slow reader never blocks the room
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (hr *hostedRoom) close() {
	hr.mu.Lock()
	cancels := hr.cancels
	hr.cancels = nil
	for ch := range hr.subscribers {
		delete(hr.subscribers, ch)
		close(ch)
	}
	if hr.evict != nil {
		hr.evict.Stop()
		hr.evict = nil
	}
	hr.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
