package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// AttachOptions configures one replica's view of a room document.
type AttachOptions struct {
	RoomID string
	// Initial seeds the room fields when the caller is the host; fields already present win.
	Initial domain.Room
	IsHost  bool
	Self    domain.Identity

	Clock           func() time.Time
	Logger          *slog.Logger
	NewID           func() string
	ExpressionFlush time.Duration
}

func (o *AttachOptions) defaults() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.ExpressionFlush <= 0 {
		o.ExpressionFlush = DefaultExpressionFlush
	}
}

// Room bundles every component of one attached replica around a shared document.
type Room struct {
	Store        *Store
	Participants *Participants
	Questions    *Questions
	Session      *Session
	Answers      *Answers
	Expressions  *Expressions
	Countdown    *Countdown
	Gate         *AdmissionGate
}

// Attach builds the components around doc, seeds the room when attaching as host, and joins
// the caller. A non-host attaching before the host's seed arrived joins anyway; the record
// stays pending until approved.
func Attach(doc *crdt.Doc, opts AttachOptions) (*Room, error) {
	if opts.RoomID == "" {
		return nil, domain.ErrRoomNotFound
	}
	opts.defaults()

	store := newStore(doc, opts)
	if opts.IsHost {
		if err := store.seed(opts.Initial); err != nil {
			return nil, fmt.Errorf("seed room %s: %w", opts.RoomID, err)
		}
	}

	countdown := newCountdown(opts.Clock)
	participants := &Participants{store: store}
	questions := &Questions{store: store, newID: opts.NewID}
	r := &Room{
		Store:        store,
		Participants: participants,
		Questions:    questions,
		Session:      newSession(store, questions, participants, countdown),
		Answers:      &Answers{store: store, countdown: countdown},
		Expressions: &Expressions{
			store:     store,
			questions: questions,
			interval:  opts.ExpressionFlush,
			buffers:   make(map[string]*[domain.ExpressionCategories]int),
		},
		Countdown: countdown,
	}

	if opts.Self.ID != "" {
		r.Gate = newAdmissionGate(participants, opts.Self.ID)
		err := participants.Join(domain.Participant{
			ID:     opts.Self.ID,
			Name:   opts.Self.Name,
			Avatar: opts.Self.Avatar,
		})
		if err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Run drives the replica's background work until ctx is done.
func (r *Room) Run(ctx context.Context) {
	r.Expressions.Run(ctx)
}

// Leaderboard derives the current ranking from the ledger.
func (r *Room) Leaderboard() domain.Leaderboard {
	return ComputeLeaderboard(
		r.Store.Get(),
		r.Participants.List(),
		r.Questions.List(),
		r.Answers.All(),
		r.Store.Now(),
	)
}

// Snapshot is the JSON view of a whole room pushed to clients.
type Snapshot struct {
	Room         domain.Room               `json:"room"`
	Participants []domain.Participant      `json:"participants"`
	Questions    []domain.Question         `json:"questions"`
	Answers      []domain.Answer           `json:"answers"`
	Expressions  []domain.ExpressionRecord `json:"expressions,omitempty"`
	Ready        []string                  `json:"ready"`
	Readiness    Readiness                 `json:"readiness"`
	Leaderboard  *domain.Leaderboard       `json:"leaderboard,omitempty"`
}

// Snapshot reads every collection of the room.
func (r *Room) Snapshot() Snapshot {
	room := r.Store.Get()
	snap := Snapshot{
		Room:         room,
		Participants: r.Participants.List(),
		Questions:    r.Questions.List(),
		Answers:      r.Answers.All(),
		Ready:        r.Session.Ready(),
		Readiness:    r.Session.Readiness(),
	}
	if room.EnableAiExpression {
		for _, q := range snap.Questions {
			snap.Expressions = append(snap.Expressions, r.Expressions.ForQuestion(q.ID)...)
		}
	}
	if room.EnableLeaderboard {
		lb := ComputeLeaderboard(room, snap.Participants, snap.Questions, snap.Answers, r.Store.Now())
		snap.Leaderboard = &lb
	}
	return snap
}

// Close detaches the observers and stops the local countdown. The document stays usable.
func (r *Room) Close() {
	r.Session.close()
	if r.Gate != nil {
		r.Gate.close()
	}
}

func unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
