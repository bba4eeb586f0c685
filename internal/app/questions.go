package app

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

const (
	// TotalScore is what all correct options of a question are worth together.
	TotalScore = 10.0
	// DefaultDuration is the answer window of a new question, in seconds.
	DefaultDuration = 30
	// MinOptions is the smallest option list a question may have.
	MinOptions = 2
)

// Questions is the question bank. Every edit reads one whole question, builds the new record
// and replaces it in one transaction; concurrent edits resolve last-writer-wins per question
// instead of merging two option-list edits into an invalid list.
type Questions struct {
	store *Store
	newID func() string
}

// List returns questions sorted by order.
func (q *Questions) List() []domain.Question {
	return sortedQuestions(q.store.doc.Map(questionsMap).Entries())
}

func (q *Questions) Get(id string) (domain.Question, bool) {
	var rec domain.Question
	ok, err := q.store.doc.Map(questionsMap).Get(id, &rec)
	if err != nil {
		return domain.Question{}, false
	}
	return rec, ok
}

// Current returns the question at the room's questionIndex.
func (q *Questions) Current(room domain.Room) (domain.Question, bool) {
	list := q.List()
	if room.QuestionIndex < 0 || room.QuestionIndex >= len(list) {
		return domain.Question{}, false
	}
	return list[room.QuestionIndex], true
}

// Add appends a single-choice question with two blank options, the first one correct.
func (q *Questions) Add(text string) (string, error) {
	if !q.store.requireHost("add question") {
		return "", nil
	}
	id := q.newID()
	var err error
	q.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(questionsMap)
		rec := q.blank(id, text, m.Len())
		err = m.Set(id, rec)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Remove deletes a question and renumbers the survivors densely.
func (q *Questions) Remove(id string) error {
	if !q.store.requireHost("remove question") {
		return nil
	}
	var err error
	q.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(questionsMap)
		if !m.Has(id) {
			err = domain.ErrQuestionNotFound
			return
		}
		m.Delete(id)
		for i, rec := range sortedQuestions(m.Entries()) {
			if rec.Order == i {
				continue
			}
			rec.Order = i
			if err = m.Set(rec.ID, rec); err != nil {
				return
			}
		}
	})
	return err
}

// Update applies a partial change of text, multiple or duration.
func (q *Questions) Update(id string, patch domain.QuestionPatch) error {
	if patch.Duration != nil && *patch.Duration <= 0 {
		return domain.ErrInvalidDuration
	}
	return q.edit("update question", id, func(rec *domain.Question) error {
		if patch.Text != nil {
			rec.Text = *patch.Text
		}
		if patch.Duration != nil {
			rec.Duration = *patch.Duration
		}
		if patch.Multiple != nil && *patch.Multiple != rec.Multiple {
			rec.Multiple = *patch.Multiple
			if !rec.Multiple {
				keepFirstCorrect(rec)
			}
		}
		ensureCorrect(rec)
		normalizeScores(rec)
		return nil
	})
}

// Reorder rewrites the whole collection with the order given by ids. ids must list every
// question exactly once; content is reused, never regenerated.
func (q *Questions) Reorder(ids []string) error {
	if !q.store.requireHost("reorder questions") {
		return nil
	}
	var err error
	q.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(questionsMap)
		current := sortedQuestions(m.Entries())
		if len(ids) != len(current) {
			err = domain.ErrInvalidOrder
			return
		}
		byID := make(map[string]domain.Question, len(current))
		for _, rec := range current {
			byID[rec.ID] = rec
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if _, ok := byID[id]; !ok || seen[id] {
				err = domain.ErrInvalidOrder
				return
			}
			seen[id] = true
		}

		m.Clear()
		for i, id := range ids {
			rec := byID[id]
			rec.Order = i
			if err = m.Set(id, rec); err != nil {
				return
			}
		}
	})
	return err
}

// AddOption appends a blank, incorrect option.
func (q *Questions) AddOption(questionID string) error {
	return q.edit("add option", questionID, func(rec *domain.Question) error {
		rec.Options = append(rec.Options, domain.Option{ID: q.newID()})
		return nil
	})
}

// RemoveOption drops the option at index. Removing down to fewer than MinOptions options, or
// removing the last correct option, is rejected and leaves the question unchanged.
func (q *Questions) RemoveOption(questionID string, index int) error {
	return q.edit("remove option", questionID, func(rec *domain.Question) error {
		if index < 0 || index >= len(rec.Options) {
			return domain.ErrOptionNotFound
		}
		if len(rec.Options) <= MinOptions {
			return domain.ErrMinOptions
		}
		if rec.Options[index].Correct && rec.CorrectCount() == 1 {
			if !rec.Multiple {
				return domain.ErrSingleChoiceCorrect
			}
			return domain.ErrNoCorrectOption
		}
		rec.Options = append(rec.Options[:index], rec.Options[index+1:]...)
		normalizeScores(rec)
		return nil
	})
}

func (q *Questions) UpdateOptionText(questionID string, index int, text string) error {
	return q.edit("update option", questionID, func(rec *domain.Question) error {
		if index < 0 || index >= len(rec.Options) {
			return domain.ErrOptionNotFound
		}
		rec.Options[index].Text = text
		return nil
	})
}

// SetCorrectAndScore toggles one option's correctness and renormalizes every score.
// Single-choice: marking an option correct unmarks all others, unmarking the correct one is
// rejected. Multi-choice: any toggle is allowed as long as one correct option remains.
func (q *Questions) SetCorrectAndScore(questionID string, index int, correct bool) error {
	return q.edit("set correct", questionID, func(rec *domain.Question) error {
		if index < 0 || index >= len(rec.Options) {
			return domain.ErrOptionNotFound
		}
		if !rec.Multiple {
			if !correct {
				if rec.Options[index].Correct {
					return domain.ErrSingleChoiceCorrect
				}
				return nil
			}
			for i := range rec.Options {
				rec.Options[i].Correct = i == index
			}
		} else {
			rec.Options[index].Correct = correct
			if rec.CorrectCount() == 0 {
				return domain.ErrNoCorrectOption
			}
		}
		normalizeScores(rec)
		return nil
	})
}

// BulkImportQuestions appends one question per row after the existing ones. Rows without
// text are skipped and counted.
func (q *Questions) BulkImportQuestions(rows []domain.QuestionRow) (domain.ImportResult, error) {
	var res domain.ImportResult
	if !q.store.requireHost("import questions") {
		return res, nil
	}
	var err error
	q.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(questionsMap)
		next := m.Len()
		for _, row := range rows {
			if !importable(row) {
				res.Skipped++
				continue
			}
			rec := q.blank(q.newID(), strings.TrimSpace(row.Text), next)
			if row.Multiple != nil {
				rec.Multiple = *row.Multiple
			}
			if row.Duration != nil {
				rec.Duration = *row.Duration
			}
			if err = m.Set(rec.ID, rec); err != nil {
				return
			}
			next++
			res.Created = append(res.Created, rec.ID)
			res.Imported++
		}
	})
	return res, err
}

// BulkImportOptions replaces the option list of every question the rows reference.
// byQuestionID translates row question ids (for example spreadsheet keys) to bank ids; rows
// whose question is missing, and groups that would end with fewer than MinOptions options,
// are skipped and counted. Missing scores get the normalized default.
func (q *Questions) BulkImportOptions(rows []domain.OptionRow, byQuestionID map[string]string) (domain.ImportResult, error) {
	var res domain.ImportResult
	if !q.store.requireHost("import options") {
		return res, nil
	}

	var order []string
	groups := make(map[string][]domain.OptionRow)
	for _, row := range rows {
		id := row.QuestionID
		if byQuestionID != nil {
			mapped, ok := byQuestionID[id]
			if !ok {
				res.Skipped++
				continue
			}
			id = mapped
		}
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], row)
	}

	var err error
	q.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(questionsMap)
		for _, id := range order {
			group := groups[id]
			var rec domain.Question
			ok, derr := m.Get(id, &rec)
			if !ok || derr != nil || len(group) < MinOptions {
				res.Skipped += len(group)
				continue
			}
			rec.Options = q.importedOptions(rec.Multiple, group)
			if err = m.Set(id, rec); err != nil {
				return
			}
			res.Imported += len(group)
		}
	})
	return res, err
}

// ImportQuestionSet imports a stored set: its questions first, then its options keyed by
// question row key.
func (q *Questions) ImportQuestionSet(set domain.QuestionSet) (domain.ImportResult, error) {
	created, err := q.BulkImportQuestions(set.Questions)
	if err != nil || !q.store.IsHost() {
		return created, err
	}

	keys := make(map[string]string, len(created.Created))
	i := 0
	for _, row := range set.Questions {
		if !importable(row) {
			continue
		}
		if row.Key != "" && i < len(created.Created) {
			keys[row.Key] = created.Created[i]
		}
		i++
	}
	opts, err := q.BulkImportOptions(set.Options, keys)
	created.Skipped += opts.Skipped
	return created, err
}

func importable(row domain.QuestionRow) bool {
	return strings.TrimSpace(row.Text) != "" && (row.Duration == nil || *row.Duration > 0)
}

func (q *Questions) importedOptions(multiple bool, rows []domain.OptionRow) []domain.Option {
	opts := make([]domain.Option, len(rows))
	for i, row := range rows {
		opts[i] = domain.Option{
			ID:      q.newID(),
			Text:    row.Text,
			Correct: row.Correct != nil && *row.Correct,
		}
	}
	rec := domain.Question{Multiple: multiple, Options: opts}
	if !multiple {
		keepFirstCorrect(&rec)
	}
	ensureCorrect(&rec)
	normalizeScores(&rec)

	// an explicit score is kept unless the validity rules flipped that option
	for i, row := range rows {
		declared := row.Correct != nil && *row.Correct
		if row.Score != nil && rec.Options[i].Correct == declared {
			rec.Options[i].Score = *row.Score
		}
	}
	return rec.Options
}

func (q *Questions) edit(op, id string, fn func(*domain.Question) error) error {
	if !q.store.requireHost(op) {
		return nil
	}
	var err error
	q.store.transact(func(tx *crdt.Txn) {
		m := tx.Map(questionsMap)
		var cur domain.Question
		ok, derr := m.Get(id, &cur)
		if derr != nil {
			err = fmt.Errorf("read question %s: %w", id, derr)
			return
		}
		if !ok {
			err = domain.ErrQuestionNotFound
			return
		}
		next := cur.Clone()
		if err = fn(&next); err != nil {
			return
		}
		err = m.Set(id, next)
	})
	return err
}

func (q *Questions) blank(id, text string, order int) domain.Question {
	return domain.Question{
		ID:   id,
		Text: text,
		Options: []domain.Option{
			{ID: q.newID(), Correct: true, Score: TotalScore},
			{ID: q.newID()},
		},
		Duration: DefaultDuration,
		Order:    order,
	}
}

// normalizeScores spreads TotalScore evenly across the correct options, rounded to one decimal.
func normalizeScores(rec *domain.Question) {
	n := rec.CorrectCount()
	for i := range rec.Options {
		if rec.Options[i].Correct && n > 0 {
			rec.Options[i].Score = roundScore(TotalScore / float64(n))
		} else {
			rec.Options[i].Score = 0
		}
	}
}

func roundScore(v float64) float64 {
	return math.Round(v*10) / 10
}

func keepFirstCorrect(rec *domain.Question) {
	found := false
	for i := range rec.Options {
		if rec.Options[i].Correct {
			if found {
				rec.Options[i].Correct = false
			}
			found = true
		}
	}
}

func ensureCorrect(rec *domain.Question) {
	if rec.CorrectCount() == 0 && len(rec.Options) > 0 {
		rec.Options[0].Correct = true
	}
}

func sortedQuestions(entries map[string][]byte) []domain.Question {
	out := make([]domain.Question, 0, len(entries))
	for _, raw := range entries {
		var rec domain.Question
		if err := unmarshal(raw, &rec); err != nil || rec.ID == "" {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
