package domain

import "errors"

var (
	// ErrRoomNotFound is returned when a room has no attached document.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNoIdentity is returned when an operation needs the caller's identity and none was given.
	ErrNoIdentity = errors.New("no participant identity")
	// ErrParticipantNotFound is returned when a participant id is not in the room.
	ErrParticipantNotFound = errors.New("participant not found in room")
	// ErrRoomFull is returned when a new participant would exceed maxPlayers.
	ErrRoomFull = errors.New("room is full")
	// ErrUnknownField indicates a room field name outside the room schema.
	ErrUnknownField = errors.New("unknown room field")
	// ErrImmutableField indicates an attempt to change id, createdBy or createdAt.
	ErrImmutableField = errors.New("room field is immutable")
	// ErrInvalidField indicates a value that does not fit the room field type.
	ErrInvalidField = errors.New("invalid room field value")

	// ErrQuestionNotFound indicates a question ID is not in the bank.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates an option ID or index is invalid.
	ErrOptionNotFound = errors.New("option not found")
	// ErrMinOptions is returned when an edit would leave fewer than two options.
	ErrMinOptions = errors.New("question needs at least two options")
	// ErrNoCorrectOption is returned when an edit would leave no correct option.
	ErrNoCorrectOption = errors.New("question needs at least one correct option")
	// ErrSingleChoiceCorrect is returned when unmarking the only answer of a single-choice question.
	ErrSingleChoiceCorrect = errors.New("single-choice question must keep exactly one correct option")
	// ErrInvalidOrder is returned when a reorder list is not a permutation of the bank.
	ErrInvalidOrder = errors.New("order must list every question exactly once")
	// ErrInvalidDuration rejects non-positive question durations.
	ErrInvalidDuration = errors.New("question duration must be positive")

	// ErrInvalidTransition is returned for a status change the session state machine forbids.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotPlaying rejects answers outside the playing phase.
	ErrNotPlaying = errors.New("quiz is not playing")
	// ErrNotPrepared rejects readiness signals outside the prepared phase.
	ErrNotPrepared = errors.New("quiz is not in the prepared phase")
	// ErrQuestionClosed rejects answers after the local countdown expired.
	ErrQuestionClosed = errors.New("question time is over")

	// ErrQuestionSetNotFound indicates a question set could not be loaded.
	ErrQuestionSetNotFound = errors.New("question set not found")
	// ErrUnknownExpression indicates an unsupported expression category.
	ErrUnknownExpression = errors.New("unknown expression category")
)
