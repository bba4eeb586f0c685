package app

import (
	"sort"
	"time"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// Answers is the answer ledger: one record per (participant, question), overwritten on
// resubmission. Every aggregate is recomputed from the records on read.
type Answers struct {
	store     *Store
	countdown *Countdown
}

// Submit records the caller's answer for questionID. It is rejected outside the playing phase,
// for unknown questions or options, and after the local countdown for the question expired.
func (a *Answers) Submit(questionID string, optionIDs []string) (domain.Answer, error) {
	uid := a.store.self.ID
	if uid == "" {
		return domain.Answer{}, domain.ErrNoIdentity
	}
	if len(optionIDs) == 0 {
		return domain.Answer{}, domain.ErrOptionNotFound
	}

	var (
		answer domain.Answer
		err    error
	)
	a.store.transact(func(tx *crdt.Txn) {
		room := roomInTx(tx)
		if room.Status != domain.StatusPlaying {
			err = domain.ErrNotPlaying
			return
		}
		var q domain.Question
		ok, derr := tx.Map(questionsMap).Get(questionID, &q)
		if !ok || derr != nil {
			err = domain.ErrQuestionNotFound
			return
		}
		if err = validOptions(q, optionIDs); err != nil {
			return
		}
		if a.countdown != nil && a.countdown.Expired(questionID) {
			err = domain.ErrQuestionClosed
			return
		}

		now := a.store.now()
		var spent time.Duration
		if room.QuestionStartTime != nil {
			spent = now.Sub(*room.QuestionStartTime)
		}
		// replicas do not share a clock; a peer's start time may lie in our future
		if spent < 0 {
			spent = 0
		}
		answer = domain.Answer{
			UID:        uid,
			QuestionID: questionID,
			OptionIDs:  append([]string(nil), optionIDs...),
			Timestamp:  now,
			TimeSpent:  spent,
		}
		err = tx.Map(answersMap).Set(domain.AnswerKey(uid, questionID), answer)
	})
	if err != nil {
		return domain.Answer{}, err
	}
	return answer, nil
}

// GetForUser returns the caller's answer to questionID.
func (a *Answers) GetForUser(questionID string) (domain.Answer, bool) {
	var ans domain.Answer
	ok, err := a.store.doc.Map(answersMap).Get(domain.AnswerKey(a.store.self.ID, questionID), &ans)
	if err != nil {
		return domain.Answer{}, false
	}
	return ans, ok
}

// GetForQuestion returns every answer to questionID, earliest first.
func (a *Answers) GetForQuestion(questionID string) []domain.Answer {
	var out []domain.Answer
	for _, ans := range a.All() {
		if ans.QuestionID == questionID {
			out = append(out, ans)
		}
	}
	return out
}

// All returns the whole ledger, earliest first.
func (a *Answers) All() []domain.Answer {
	entries := a.store.doc.Map(answersMap).Entries()
	out := make([]domain.Answer, 0, len(entries))
	for _, raw := range entries {
		var ans domain.Answer
		if err := unmarshal(raw, &ans); err != nil || ans.UID == "" {
			continue
		}
		out = append(out, ans)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return domain.AnswerKey(out[i].UID, out[i].QuestionID) < domain.AnswerKey(out[j].UID, out[j].QuestionID)
	})
	return out
}

// StatsForUser counts a participant's answers and the time they took.
func (a *Answers) StatsForUser(uid string) domain.UserStats {
	return StatsFor(uid, a.All())
}

func validOptions(q domain.Question, optionIDs []string) error {
	known := make(map[string]bool, len(q.Options))
	for _, o := range q.Options {
		known[o.ID] = true
	}
	for _, id := range optionIDs {
		if !known[id] {
			return domain.ErrOptionNotFound
		}
	}
	return nil
}
