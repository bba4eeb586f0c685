package app

import (
	"sync"
	"time"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// Participants is the ordered participant collection. Two replicas may append the same
// participant before seeing each other, so every mutation ends with a dedup pass.
type Participants struct {
	store *Store
}

// List returns participants in collection order.
func (p *Participants) List() []domain.Participant {
	all := decodeParticipants(p.store.doc.Array(participantsArr).Values())
	out := all[:0]
	for _, rec := range all {
		if rec.ID != "" {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns the first record with the given id.
func (p *Participants) Get(id string) (domain.Participant, bool) {
	for _, rec := range p.List() {
		if rec.ID == id {
			return rec, true
		}
	}
	return domain.Participant{}, false
}

// Join inserts the participant or, if a record already exists, replaces it in place as
// active, whatever its previous status. New non-host participants start pending; the room
// creator is always active.
func (p *Participants) Join(part domain.Participant) error {
	if part.ID == "" {
		return domain.ErrNoIdentity
	}
	now := p.store.now()
	part.JoinedAt = &now

	var err error
	p.store.transact(func(tx *crdt.Txn) {
		room := roomInTx(tx)
		arr := tx.Array(participantsArr)
		list := decodeParticipants(arr.Values())
		isCreator := part.ID == room.CreatedBy

		if idx := indexOfParticipant(list, part.ID); idx >= 0 {
			part.Status = domain.ParticipantActive
			if err = arr.Replace(idx, part); err != nil {
				return
			}
		} else {
			part.Status = domain.ParticipantPending
			if isCreator {
				part.Status = domain.ParticipantActive
			} else if room.MaxPlayers > 0 && seated(list, room.CreatedBy) >= room.MaxPlayers {
				err = domain.ErrRoomFull
				return
			}
			if err = arr.Push(part); err != nil {
				return
			}
		}
		err = dedupParticipants(tx)
	})
	return err
}

// MarkLeft flips an active participant to left, keeping position and joinedAt.
func (p *Participants) MarkLeft(id string) error {
	return p.update(id, func(rec *domain.Participant) bool {
		if rec.Status != domain.ParticipantActive {
			return false
		}
		rec.Status = domain.ParticipantLeft
		return true
	})
}

// Approve moves a pending participant to active.
func (p *Participants) Approve(id string) error {
	if !p.store.requireHost("approve") {
		return nil
	}
	return p.update(id, func(rec *domain.Participant) bool {
		if rec.Status != domain.ParticipantPending {
			return false
		}
		rec.Status = domain.ParticipantActive
		return true
	})
}

// Reject removes a pending participant.
func (p *Participants) Reject(id string) error {
	if !p.store.requireHost("reject") {
		return nil
	}
	return p.delete(id, func(rec domain.Participant) bool {
		return rec.Status == domain.ParticipantPending
	})
}

// Remove hard-deletes a participant whatever its status. This is distinct from left:
// the removed participant sees a kicked view.
func (p *Participants) Remove(id string) error {
	if !p.store.requireHost("remove") {
		return nil
	}
	return p.delete(id, func(domain.Participant) bool { return true })
}

// AutoApproveAll activates every pending participant.
func (p *Participants) AutoApproveAll() error {
	if !p.store.requireHost("auto approve") {
		return nil
	}
	var err error
	p.store.transact(func(tx *crdt.Txn) {
		arr := tx.Array(participantsArr)
		for i, rec := range decodeParticipants(arr.Values()) {
			if rec.Status != domain.ParticipantPending {
				continue
			}
			rec.Status = domain.ParticipantActive
			if err = arr.Replace(i, rec); err != nil {
				return
			}
		}
		err = dedupParticipants(tx)
	})
	return err
}

// Dedup runs the duplicate-repair pass on its own and returns how many records it dropped.
func (p *Participants) Dedup() int {
	before := len(p.List())
	p.store.transact(func(tx *crdt.Txn) {
		_ = dedupParticipants(tx)
	})
	return before - len(p.List())
}

func (p *Participants) update(id string, fn func(*domain.Participant) bool) error {
	var err error
	p.store.transact(func(tx *crdt.Txn) {
		// fold duplicates first so the edit lands on the surviving record
		if err = dedupParticipants(tx); err != nil {
			return
		}
		arr := tx.Array(participantsArr)
		list := decodeParticipants(arr.Values())
		idx := indexOfParticipant(list, id)
		if idx < 0 {
			err = domain.ErrParticipantNotFound
			return
		}
		rec := list[idx]
		if !fn(&rec) {
			return
		}
		if err = arr.Replace(idx, rec); err != nil {
			return
		}
		err = dedupParticipants(tx)
	})
	return err
}

func (p *Participants) delete(id string, match func(domain.Participant) bool) error {
	var err error
	p.store.transact(func(tx *crdt.Txn) {
		arr := tx.Array(participantsArr)
		list := decodeParticipants(arr.Values())
		if indexOfParticipant(list, id) < 0 {
			err = domain.ErrParticipantNotFound
			return
		}
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].ID == id && match(list[i]) {
				arr.Delete(i, 1)
			}
		}
		err = dedupParticipants(tx)
	})
	return err
}

// dedupParticipants folds the collection by id, keeping the record with the latest joinedAt
// at the position of the first occurrence, and rewrites the collection only if it changed.
func dedupParticipants(tx *crdt.Txn) error {
	arr := tx.Array(participantsArr)
	list := decodeParticipants(arr.Values())

	seen := make(map[string]int, len(list))
	kept := make([]domain.Participant, 0, len(list))
	for _, rec := range list {
		if rec.ID == "" {
			continue
		}
		if i, ok := seen[rec.ID]; ok {
			if joinedAfter(rec, kept[i]) {
				kept[i] = rec
			}
			continue
		}
		seen[rec.ID] = len(kept)
		kept = append(kept, rec)
	}
	if len(kept) == arr.Len() {
		return nil
	}

	arr.Clear()
	for _, rec := range kept {
		if err := arr.Push(rec); err != nil {
			return err
		}
	}
	return nil
}

func joinedAfter(a, b domain.Participant) bool {
	var ta, tb time.Time
	if a.JoinedAt != nil {
		ta = *a.JoinedAt
	}
	if b.JoinedAt != nil {
		tb = *b.JoinedAt
	}
	return ta.After(tb)
}

// decodeParticipants keeps one entry per array element so indexes stay aligned with the
// array; undecodable elements come back with an empty id.
func decodeParticipants(values [][]byte) []domain.Participant {
	out := make([]domain.Participant, len(values))
	for i, raw := range values {
		if err := unmarshal(raw, &out[i]); err != nil {
			out[i] = domain.Participant{}
		}
	}
	return out
}

func indexOfParticipant(list []domain.Participant, id string) int {
	if id == "" {
		return -1
	}
	for i, rec := range list {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

// seated counts pending and active participants other than the host.
func seated(list []domain.Participant, host string) int {
	n := 0
	for _, rec := range list {
		if rec.ID != "" && rec.ID != host && rec.Status != domain.ParticipantLeft {
			n++
		}
	}
	return n
}

// View is what a participant should be shown about their own admission.
type View int

const (
	ViewUnknown View = iota
	ViewWaiting
	ViewAdmitted
	ViewKicked
)

func (v View) String() string {
	switch v {
	case ViewWaiting:
		return "waiting"
	case ViewAdmitted:
		return "admitted"
	case ViewKicked:
		return "kicked"
	}
	return "unknown"
}

// AdmissionGate keeps local, non-replicated history of one participant's observed statuses.
// A pending record gates the participant only if it was never seen active or left.
type AdmissionGate struct {
	participants *Participants
	id           string

	mu       sync.Mutex
	seen     bool
	admitted bool
	cancel   func()
}

func newAdmissionGate(participants *Participants, id string) *AdmissionGate {
	g := &AdmissionGate{participants: participants, id: id}
	g.cancel = participants.store.doc.Observe(participantsArr, func(crdt.Event) {
		g.View()
	})
	return g
}

// View evaluates the current record against the recorded history.
func (g *AdmissionGate) View() View {
	rec, ok := g.participants.Get(g.id)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !ok {
		if g.seen {
			return ViewKicked
		}
		return ViewUnknown
	}
	g.seen = true
	switch rec.Status {
	case domain.ParticipantActive, domain.ParticipantLeft:
		g.admitted = true
		return ViewAdmitted
	}
	if g.admitted {
		return ViewAdmitted
	}
	return ViewWaiting
}

func (g *AdmissionGate) close() {
	if g.cancel != nil {
		g.cancel()
	}
}
