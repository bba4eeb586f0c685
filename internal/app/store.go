package app

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// Shared type names inside one room document.
const (
	roomMap         = "room"
	participantsArr = "participants"
	questionsMap    = "questions"
	answersMap      = "answers"
	expressionsMap  = "expressions"
	readyArr        = "ready"
)

// Room field keys.
const (
	FieldID                 = "id"
	FieldName               = "name"
	FieldStatus             = "status"
	FieldMaxPlayers         = "maxPlayers"
	FieldCreatedBy          = "createdBy"
	FieldCreatedAt          = "createdAt"
	FieldEnableLeaderboard  = "enableLeaderboard"
	FieldEnableAiExpression = "enableAiExpression"
	FieldQuestionIndex      = "questionIndex"
	FieldQuestionStartTime  = "questionStartTime"
	FieldStartTime          = "startTime"
	FieldEndTime            = "endTime"
)

// roomFields maps every known field to whether it may change after seeding.
var roomFields = map[string]bool{
	FieldID:                 false,
	FieldName:               true,
	FieldStatus:             true,
	FieldMaxPlayers:         true,
	FieldCreatedBy:          false,
	FieldCreatedAt:          false,
	FieldEnableLeaderboard:  true,
	FieldEnableAiExpression: true,
	FieldQuestionIndex:      true,
	FieldQuestionStartTime:  true,
	FieldStartTime:          true,
	FieldEndTime:            true,
}

type statusHook func(tx *crdt.Txn, prev, next domain.RoomStatus) error

// Store is the root of one room document. It owns the scalar room fields; every host-only
// component checks IsHost through it.
type Store struct {
	doc    *crdt.Doc
	id     string
	self   domain.Identity
	isHost bool
	now    func() time.Time
	log    *slog.Logger

	onStatus statusHook
}

func newStore(doc *crdt.Doc, opts AttachOptions) *Store {
	return &Store{
		doc:    doc,
		id:     opts.RoomID,
		self:   opts.Self,
		isHost: opts.IsHost,
		now:    opts.Clock,
		log:    opts.Logger.With("room", opts.RoomID, "user", opts.Self.ID),
	}
}

func (s *Store) ID() string { return s.id }

func (s *Store) Self() domain.Identity { return s.self }

func (s *Store) IsHost() bool { return s.isHost }

func (s *Store) Doc() *crdt.Doc { return s.doc }

func (s *Store) Now() time.Time { return s.now() }

func (s *Store) Status() domain.RoomStatus { return s.Get().Status }

// seed writes every initial field that is not present yet. Existing values always win, so a
// reconnecting host never clobbers state written while it was away.
func (s *Store) seed(initial domain.Room) error {
	if initial.ID == "" {
		initial.ID = s.id
	}
	if initial.Status == "" {
		initial.Status = domain.StatusWaiting
	}
	if initial.CreatedBy == "" {
		initial.CreatedBy = s.self.ID
	}
	if initial.CreatedAt.IsZero() {
		initial.CreatedAt = s.now()
	}
	fields, err := roomFieldValues(initial)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.transact(func(tx *crdt.Txn) {
		room := tx.Map(roomMap)
		for _, k := range keys {
			if !room.Has(k) {
				room.SetRaw(k, fields[k])
			}
		}
	})
	return nil
}

// Get decodes the current room fields.
func (s *Store) Get() domain.Room {
	return decodeRoom(s.doc.Map(roomMap).Entries())
}

// Set writes one room field. Writes from a non-host replica are dropped silently.
// Status changes run the session transition hook inside the same transaction.
func (s *Store) Set(key string, value any) error {
	if !s.requireHost("set " + key) {
		return nil
	}
	mutable, known := roomFields[key]
	if !known {
		return fmt.Errorf("%w: %s", domain.ErrUnknownField, key)
	}
	raw, decoded, err := validateField(key, value)
	if err != nil {
		return err
	}

	s.transact(func(tx *crdt.Txn) {
		room := tx.Map(roomMap)
		if !mutable && room.Has(key) {
			err = fmt.Errorf("%w: %s", domain.ErrImmutableField, key)
			return
		}
		if key == FieldStatus && s.onStatus != nil {
			prev := decodeRoom(room.Entries()).Status
			if err = s.onStatus(tx, prev, decoded.Status); err != nil {
				return
			}
		}
		room.SetRaw(key, raw)
	})
	return err
}

// Observe calls fn with the decoded room after every change to the room fields.
func (s *Store) Observe(fn func(domain.Room, crdt.Event)) (cancel func()) {
	return s.doc.Observe(roomMap, func(e crdt.Event) {
		fn(s.Get(), e)
	})
}

func (s *Store) transact(fn func(tx *crdt.Txn)) {
	s.doc.Transact(s, fn)
}

func (s *Store) requireHost(op string) bool {
	if s.isHost {
		return true
	}
	s.log.Debug("ignoring host-only operation", "op", op)
	return false
}

func roomInTx(tx *crdt.Txn) domain.Room {
	return decodeRoom(tx.Map(roomMap).Entries())
}

func decodeRoom(entries map[string][]byte) domain.Room {
	obj := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		obj[k] = v
	}
	var room domain.Room
	raw, err := json.Marshal(obj)
	if err == nil {
		err = json.Unmarshal(raw, &room)
	}
	if err != nil {
		// fall back field by field so one bad value from a peer does not hide the rest
		room = domain.Room{}
		for k, v := range entries {
			one, _ := json.Marshal(map[string]json.RawMessage{k: v})
			_ = json.Unmarshal(one, &room)
		}
	}
	return room
}

// validateField encodes value and checks it decodes as the room field key. The decoded room
// holds only that field.
func validateField(key string, value any) ([]byte, domain.Room, error) {
	var decoded domain.Room
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, decoded, fmt.Errorf("%w: %s: %v", domain.ErrInvalidField, key, err)
	}
	one, err := json.Marshal(map[string]json.RawMessage{key: raw})
	if err != nil {
		return nil, decoded, fmt.Errorf("%w: %s: %v", domain.ErrInvalidField, key, err)
	}
	if err := json.Unmarshal(one, &decoded); err != nil {
		return nil, decoded, fmt.Errorf("%w: %s: %v", domain.ErrInvalidField, key, err)
	}
	if key == FieldStatus && !decoded.Status.Valid() {
		return nil, decoded, fmt.Errorf("%w: status %q", domain.ErrInvalidField, decoded.Status)
	}
	if key == FieldMaxPlayers && decoded.MaxPlayers < 0 {
		return nil, decoded, fmt.Errorf("%w: maxPlayers %d", domain.ErrInvalidField, decoded.MaxPlayers)
	}
	return raw, decoded, nil
}

// roomFieldValues splits a room into per-field JSON values, leaving out unset optional times.
func roomFieldValues(r domain.Room) (map[string][]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode room: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("split room: %w", err)
	}
	out := make(map[string][]byte, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out, nil
}
