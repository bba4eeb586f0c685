package app

import (
	"sync"
	"time"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// Session drives the quiz state machine through the room status field:
//
//	waiting → prepared → playing ⇄ paused → ended → prepared (restart)
//
// It is the only writer of the resets that come with a status change, and they are written in
// the same transaction as the status itself.
type Session struct {
	store        *Store
	questions    *Questions
	participants *Participants
	countdown    *Countdown

	mu       sync.Mutex
	last     domain.RoomStatus
	window   string
	nextID   int
	watchers map[int]func(prev, next domain.RoomStatus)
	cancel   func()
}

// Readiness summarizes the lobby gate for the host.
type Readiness struct {
	Ready        int  `json:"ready"`
	Eligible     int  `json:"eligible"`
	CanStart     bool `json:"canStart"`
	NeedsConfirm bool `json:"needsConfirm"`
}

func newSession(store *Store, questions *Questions, participants *Participants, countdown *Countdown) *Session {
	s := &Session{
		store:        store,
		questions:    questions,
		participants: participants,
		countdown:    countdown,
		watchers:     make(map[int]func(prev, next domain.RoomStatus)),
	}
	store.onStatus = s.transition
	s.observe(store.Get())
	s.cancel = store.Observe(func(room domain.Room, _ crdt.Event) {
		s.observe(room)
	})
	return s
}

// SetStatus moves the session to next, applying the transition's resets atomically.
func (s *Session) SetStatus(next domain.RoomStatus) error {
	return s.store.Set(FieldStatus, next)
}

func (s *Session) Prepare() error {
	return s.SetStatus(domain.StatusPrepared)
}

// Start begins a fresh run from prepared, ended or waiting; on a paused session it resumes.
func (s *Session) Start() error {
	return s.SetStatus(domain.StatusPlaying)
}

func (s *Session) Pause() error {
	return s.SetStatus(domain.StatusPaused)
}

func (s *Session) Resume() error {
	if s.store.Status() != domain.StatusPaused {
		if !s.store.IsHost() {
			return nil
		}
		return domain.ErrInvalidTransition
	}
	return s.SetStatus(domain.StatusPlaying)
}

func (s *Session) End() error {
	return s.SetStatus(domain.StatusEnded)
}

// Restart reopens the lobby after a finished run.
func (s *Session) Restart() error {
	if s.store.Status() != domain.StatusEnded {
		if !s.store.IsHost() {
			return nil
		}
		return domain.ErrInvalidTransition
	}
	return s.SetStatus(domain.StatusPrepared)
}

// NextQuestion advances questionIndex and stamps questionStartTime; past the last question
// it ends the session.
func (s *Session) NextQuestion() error {
	if !s.store.requireHost("next question") {
		return nil
	}
	var err error
	s.store.transact(func(tx *crdt.Txn) {
		room := roomInTx(tx)
		if room.Status != domain.StatusPlaying {
			err = domain.ErrNotPlaying
			return
		}
		fields := tx.Map(roomMap)
		next := room.QuestionIndex + 1
		if next >= tx.Map(questionsMap).Len() {
			if err = s.transition(tx, room.Status, domain.StatusEnded); err != nil {
				return
			}
			err = fields.Set(FieldStatus, domain.StatusEnded)
			return
		}
		if err = fields.Set(FieldQuestionIndex, next); err != nil {
			return
		}
		err = fields.Set(FieldQuestionStartTime, s.store.now())
	})
	return err
}

// transition validates prev → next and writes the dependent resets. It runs inside the
// transaction that writes the status.
func (s *Session) transition(tx *crdt.Txn, prev, next domain.RoomStatus) error {
	if prev == next {
		return nil
	}
	fields := tx.Map(roomMap)
	now := s.store.now()

	switch next {
	case domain.StatusWaiting:
		return domain.ErrInvalidTransition
	case domain.StatusPrepared:
		return nil
	case domain.StatusPaused:
		if prev != domain.StatusPlaying {
			return domain.ErrInvalidTransition
		}
		return nil
	case domain.StatusPlaying:
		if prev == domain.StatusPaused {
			return nil
		}
		for key, v := range map[string]any{
			FieldQuestionIndex:     0,
			FieldQuestionStartTime: now,
			FieldStartTime:         now,
		} {
			if err := fields.Set(key, v); err != nil {
				return err
			}
		}
		fields.Delete(FieldEndTime)
		tx.Map(answersMap).Clear()
		tx.Array(readyArr).Clear()
		return nil
	case domain.StatusEnded:
		if err := fields.Set(FieldEndTime, now); err != nil {
			return err
		}
		tx.Array(readyArr).Clear()
		return nil
	}
	return domain.ErrInvalidTransition
}

// MarkReady adds the caller to the ready-set once; only valid while prepared.
func (s *Session) MarkReady() error {
	id := s.store.self.ID
	if id == "" {
		return domain.ErrNoIdentity
	}
	var err error
	s.store.transact(func(tx *crdt.Txn) {
		if roomInTx(tx).Status != domain.StatusPrepared {
			err = domain.ErrNotPrepared
			return
		}
		arr := tx.Array(readyArr)
		for _, ready := range decodeStrings(arr.Values()) {
			if ready == id {
				return
			}
		}
		err = arr.Push(id)
	})
	return err
}

// Unready removes every ready-set entry for id; used on the disconnect signal.
func (s *Session) Unready(id string) {
	s.store.transact(func(tx *crdt.Txn) {
		arr := tx.Array(readyArr)
		list := decodeStrings(arr.Values())
		for i := len(list) - 1; i >= 0; i-- {
			if list[i] == id {
				arr.Delete(i, 1)
			}
		}
	})
}

// Ready returns the distinct ready participant ids in signal order.
func (s *Session) Ready() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range decodeStrings(s.store.doc.Array(readyArr).Values()) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Readiness compares the ready-set with the active, non-host participants. Start is
// possible with one ready participant; fewer than all needs an explicit confirmation.
func (s *Session) Readiness() Readiness {
	host := s.store.Get().CreatedBy
	eligible := make(map[string]bool)
	for _, p := range s.participants.List() {
		if p.ID != host && p.Status == domain.ParticipantActive {
			eligible[p.ID] = true
		}
	}
	r := Readiness{Eligible: len(eligible)}
	for _, id := range s.Ready() {
		if eligible[id] {
			r.Ready++
		}
	}
	r.CanStart = r.Ready >= 1
	r.NeedsConfirm = r.Ready < r.Eligible
	return r
}

// Watch calls fn on every observed status change, local or remote.
func (s *Session) Watch(fn func(prev, next domain.RoomStatus)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Session) observe(room domain.Room) {
	s.mu.Lock()
	prev := s.last
	s.last = room.Status
	var watchers []func(prev, next domain.RoomStatus)
	if prev != room.Status {
		for _, fn := range s.watchers {
			watchers = append(watchers, fn)
		}
	}
	s.mu.Unlock()

	s.syncCountdown(prev, room)
	for _, fn := range watchers {
		fn(prev, room.Status)
	}
}

// syncCountdown keeps the local answer window in step with the observed phase.
func (s *Session) syncCountdown(prev domain.RoomStatus, room domain.Room) {
	switch room.Status {
	case domain.StatusPlaying:
		q, ok := s.questions.Current(room)
		if !ok {
			return
		}
		window := q.ID
		if room.QuestionStartTime != nil {
			window += "@" + room.QuestionStartTime.Format(time.RFC3339Nano)
		}
		s.mu.Lock()
		fresh := window != s.window
		s.window = window
		s.mu.Unlock()
		switch {
		case fresh && prev != domain.StatusPlaying && prev != domain.StatusPaused:
			s.countdown.Reset()
			s.countdown.Start(q.ID, time.Duration(q.Duration)*time.Second)
		case fresh:
			s.countdown.Start(q.ID, time.Duration(q.Duration)*time.Second)
		case prev == domain.StatusPaused:
			s.countdown.Resume()
		}
	case domain.StatusPaused:
		s.countdown.Pause()
	default:
		s.mu.Lock()
		s.window = ""
		s.mu.Unlock()
		s.countdown.Stop()
	}
}

func (s *Session) close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.countdown.Stop()
}

// decodeStrings decodes ready-set entries; an entry that is not a string decodes as "" so
// indexes still line up with the array.
func decodeStrings(values [][]byte) []string {
	out := make([]string, len(values))
	for i, raw := range values {
		if err := unmarshal(raw, &out[i]); err != nil {
			out[i] = ""
		}
	}
	return out
}
