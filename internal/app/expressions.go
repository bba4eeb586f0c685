package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

// DefaultExpressionFlush is how often buffered expression counts are written.
const DefaultExpressionFlush = 5 * time.Second

// Expressions buffers locally detected facial-expression categories per question and
// periodically writes them to the caller's own record. A flush replaces the record's counts
// with the interval's buffer, so a retransmitted flush is harmless.
type Expressions struct {
	store     *Store
	questions *Questions
	interval  time.Duration

	mu      sync.Mutex
	buffers map[string]*[domain.ExpressionCategories]int
}

// Record counts one detection for the current question. Detections while no question is
// being played are dropped.
func (e *Expressions) Record(category string) error {
	idx, ok := domain.ExpressionCategory(category)
	if !ok {
		return domain.ErrUnknownExpression
	}
	if e.store.self.ID == "" {
		return domain.ErrNoIdentity
	}
	room := e.store.Get()
	if room.Status != domain.StatusPlaying {
		return nil
	}
	q, ok := e.questions.Current(room)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[q.ID]
	if !ok {
		buf = new([domain.ExpressionCategories]int)
		e.buffers[q.ID] = buf
	}
	buf[idx]++
	return nil
}

// Flush writes every non-empty buffer while the session is playing and starts the buffers
// over from zero. It reports whether anything was written.
func (e *Expressions) Flush() (bool, error) {
	if e.store.self.ID == "" || e.store.Status() != domain.StatusPlaying {
		return false, nil
	}

	e.mu.Lock()
	pending := e.buffers
	e.buffers = make(map[string]*[domain.ExpressionCategories]int)
	e.mu.Unlock()

	var questions []string
	for qid, buf := range pending {
		if *buf != ([domain.ExpressionCategories]int{}) {
			questions = append(questions, qid)
		}
	}
	if len(questions) == 0 {
		return false, nil
	}
	sort.Strings(questions)

	var err error
	now := e.store.now()
	e.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(expressionsMap)
		for _, qid := range questions {
			rec := domain.ExpressionRecord{
				UID:        e.store.self.ID,
				QuestionID: qid,
				Counts:     *pending[qid],
				UpdatedAt:  now,
			}
			if err = m.Set(domain.AnswerKey(rec.UID, qid), rec); err != nil {
				return
			}
		}
	})
	return err == nil, err
}

// Run flushes on every interval until ctx is done.
func (e *Expressions) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Flush(); err != nil {
				e.store.log.Warn("expression flush failed", "err", err)
			}
		}
	}
}

// Get returns the last flushed record for a participant and question.
func (e *Expressions) Get(uid, questionID string) (domain.ExpressionRecord, bool) {
	var rec domain.ExpressionRecord
	ok, err := e.store.doc.Map(expressionsMap).Get(domain.AnswerKey(uid, questionID), &rec)
	if err != nil {
		return domain.ExpressionRecord{}, false
	}
	return rec, ok
}

// ForQuestion returns every participant's record for questionID.
func (e *Expressions) ForQuestion(questionID string) []domain.ExpressionRecord {
	var out []domain.ExpressionRecord
	for _, raw := range e.store.doc.Map(expressionsMap).Entries() {
		var rec domain.ExpressionRecord
		if err := unmarshal(raw, &rec); err != nil || rec.QuestionID != questionID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Summary totals the categories of every record for questionID.
func (e *Expressions) Summary(questionID string) map[string]int {
	var totals [domain.ExpressionCategories]int
	for _, rec := range e.ForQuestion(questionID) {
		for i, n := range rec.Counts {
			totals[i] += n
		}
	}
	out := make(map[string]int, domain.ExpressionCategories)
	for i, n := range totals {
		out[domain.ExpressionName(i)] = n
	}
	return out
}
