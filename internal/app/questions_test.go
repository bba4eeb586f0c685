package app_test

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/crdt"
	"quiz-room-service/internal/domain"
)

func scores(q domain.Question) []float64 {
	out := make([]float64, len(q.Options))
	for i, o := range q.Options {
		out[i] = o.Score
	}
	return out
}

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }

func TestAddQuestionDefaults(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	q := addQuestion(t, host, "Capital of France?")

	if q.Multiple || q.Duration != app.DefaultDuration || q.Order != 0 {
		t.Fatalf("unexpected defaults: %+v", q)
	}
	if len(q.Options) != 2 || !q.Options[0].Correct || q.Options[1].Correct {
		t.Fatalf("expected two options with the first correct, got %+v", q.Options)
	}
	if q.Options[0].Score != app.TotalScore {
		t.Fatalf("expected score %.1f, got %.1f", app.TotalScore, q.Options[0].Score)
	}
}

func TestScoresAreNormalized(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	q := addQuestion(t, host, "Pick the primes")

	if err := host.Questions.Update(q.ID, domain.QuestionPatch{Multiple: boolPtr(true)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := host.Questions.AddOption(q.ID); err != nil {
		t.Fatalf("add option: %v", err)
	}
	for _, idx := range []int{1, 2} {
		if err := host.Questions.SetCorrectAndScore(q.ID, idx, true); err != nil {
			t.Fatalf("set correct %d: %v", idx, err)
		}
	}
	q, _ = host.Questions.Get(q.ID)
	if got := scores(q); !reflect.DeepEqual(got, []float64{3.3, 3.3, 3.3}) {
		t.Fatalf("expected 3.3 each, got %v", got)
	}

	if err := host.Questions.SetCorrectAndScore(q.ID, 0, false); err != nil {
		t.Fatalf("unset correct: %v", err)
	}
	q, _ = host.Questions.Get(q.ID)
	if got := scores(q); !reflect.DeepEqual(got, []float64{0, 5, 5}) {
		t.Fatalf("expected 0/5/5, got %v", got)
	}
}

func TestSingleChoiceRules(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	q := addQuestion(t, host, "One answer")

	if err := host.Questions.SetCorrectAndScore(q.ID, 1, true); err != nil {
		t.Fatalf("set correct: %v", err)
	}
	q, _ = host.Questions.Get(q.ID)
	if q.Options[0].Correct || !q.Options[1].Correct || q.Options[1].Score != app.TotalScore {
		t.Fatalf("marking one correct must unmark the other, got %+v", q.Options)
	}
	if err := host.Questions.SetCorrectAndScore(q.ID, 1, false); !errors.Is(err, domain.ErrSingleChoiceCorrect) {
		t.Fatalf("expected single-choice error, got %v", err)
	}
	if err := host.Questions.RemoveOption(q.ID, 0); !errors.Is(err, domain.ErrMinOptions) {
		t.Fatalf("expected min options error, got %v", err)
	}

	// back and forth through multiple keeps only the first correct option
	if err := host.Questions.Update(q.ID, domain.QuestionPatch{Multiple: boolPtr(true)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := host.Questions.SetCorrectAndScore(q.ID, 0, true); err != nil {
		t.Fatalf("set correct: %v", err)
	}
	if err := host.Questions.Update(q.ID, domain.QuestionPatch{Multiple: boolPtr(false)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	q, _ = host.Questions.Get(q.ID)
	if !q.Options[0].Correct || q.Options[1].Correct {
		t.Fatalf("expected first option kept correct, got %+v", q.Options)
	}
	if err := host.Questions.Update(q.ID, domain.QuestionPatch{Duration: intPtr(0)}); !errors.Is(err, domain.ErrInvalidDuration) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
}

func TestRemovingLastCorrectOptionIsRejected(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	single := addQuestion(t, host, "One answer")
	if err := host.Questions.AddOption(single.ID); err != nil {
		t.Fatalf("add option: %v", err)
	}
	before, _ := host.Questions.Get(single.ID)
	if err := host.Questions.RemoveOption(single.ID, 0); !errors.Is(err, domain.ErrSingleChoiceCorrect) {
		t.Fatalf("expected single-choice error, got %v", err)
	}
	if after, _ := host.Questions.Get(single.ID); !reflect.DeepEqual(after, before) {
		t.Fatalf("rejected removal changed the question: %+v", after.Options)
	}

	multi := addQuestion(t, host, "Some answers")
	if err := host.Questions.AddOption(multi.ID); err != nil {
		t.Fatalf("add option: %v", err)
	}
	if err := host.Questions.Update(multi.ID, domain.QuestionPatch{Multiple: boolPtr(true)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	before, _ = host.Questions.Get(multi.ID)
	if err := host.Questions.RemoveOption(multi.ID, 0); !errors.Is(err, domain.ErrNoCorrectOption) {
		t.Fatalf("expected no correct option error, got %v", err)
	}
	after, _ := host.Questions.Get(multi.ID)
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("rejected removal changed the question: %+v", after.Options)
	}
	if after.Options[1].Correct || after.Options[1].Score != 0 {
		t.Fatalf("a wrong option must not become correct, got %+v", after.Options[1])
	}

	// removing an incorrect option still works and keeps the score
	if err := host.Questions.RemoveOption(multi.ID, 2); err != nil {
		t.Fatalf("remove incorrect option: %v", err)
	}
	after, _ = host.Questions.Get(multi.ID)
	if len(after.Options) != 2 || after.Options[0].Score != app.TotalScore {
		t.Fatalf("unexpected options after removal: %+v", after.Options)
	}
}

func TestOptionRulesHoldUnderRandomEdits(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	q := addQuestion(t, host, "Fuzz")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		cur, _ := host.Questions.Get(q.ID)
		n := len(cur.Options)
		switch rng.Intn(4) {
		case 0:
			_ = host.Questions.AddOption(q.ID)
		case 1:
			_ = host.Questions.RemoveOption(q.ID, rng.Intn(n))
		case 2:
			_ = host.Questions.SetCorrectAndScore(q.ID, rng.Intn(n), rng.Intn(2) == 0)
		case 3:
			_ = host.Questions.Update(q.ID, domain.QuestionPatch{Multiple: boolPtr(rng.Intn(2) == 0)})
		}

		cur, _ = host.Questions.Get(q.ID)
		correct := cur.CorrectCount()
		if len(cur.Options) < app.MinOptions {
			t.Fatalf("step %d: only %d options", i, len(cur.Options))
		}
		if correct == 0 {
			t.Fatalf("step %d: no correct option: %+v", i, cur.Options)
		}
		if !cur.Multiple && correct != 1 {
			t.Fatalf("step %d: single choice with %d correct", i, correct)
		}
		for _, o := range cur.Options {
			if !o.Correct && o.Score != 0 {
				t.Fatalf("step %d: incorrect option scored %.1f", i, o.Score)
			}
		}
	}
}

func TestReorderAndRemoveKeepOrderDense(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	a := addQuestion(t, host, "A")
	b := addQuestion(t, host, "B")
	c := addQuestion(t, host, "C")

	if err := host.Questions.Reorder([]string{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	list := host.Questions.List()
	var texts []string
	for i, q := range list {
		if q.Order != i {
			t.Fatalf("order not dense: %+v", list)
		}
		texts = append(texts, q.Text)
	}
	if !reflect.DeepEqual(texts, []string{"C", "A", "B"}) {
		t.Fatalf("unexpected order %v", texts)
	}
	if got, _ := host.Questions.Get(a.ID); !reflect.DeepEqual(got.Options, a.Options) {
		t.Fatalf("reorder must keep content, got %+v want %+v", got.Options, a.Options)
	}

	if err := host.Questions.Reorder([]string{a.ID, a.ID, b.ID}); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("expected invalid order, got %v", err)
	}
	if err := host.Questions.Reorder([]string{a.ID}); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("expected invalid order for partial list, got %v", err)
	}

	if err := host.Questions.Remove(c.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	list = host.Questions.List()
	if len(list) != 2 || list[0].ID != a.ID || list[0].Order != 0 || list[1].ID != b.ID || list[1].Order != 1 {
		t.Fatalf("expected A,B renumbered, got %+v", list)
	}
	if err := host.Questions.Remove(c.ID); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestImportQuestionSet(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	addQuestion(t, host, "Existing")

	set := domain.QuestionSet{
		ID: "geo",
		Questions: []domain.QuestionRow{
			{Key: "k1", Text: "Largest ocean?"},
			{Key: "k2", Text: "   "},
			{Key: "k3", Text: "Pick the continents", Multiple: boolPtr(true), Duration: intPtr(45)},
		},
		Options: []domain.OptionRow{
			{QuestionID: "k1", Text: "Pacific", Correct: boolPtr(true)},
			{QuestionID: "k1", Text: "Atlantic"},
			{QuestionID: "k3", Text: "Asia", Correct: boolPtr(true)},
			{QuestionID: "k3", Text: "Africa", Correct: boolPtr(true)},
			{QuestionID: "k3", Text: "Greenland"},
			{QuestionID: "k2", Text: "orphan"},
			{QuestionID: "k9", Text: "dangling"},
		},
	}
	res, err := host.Questions.ImportQuestionSet(set)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Imported != 2 || len(res.Created) != 2 || res.Skipped != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	list := host.Questions.List()
	if len(list) != 3 || list[1].Text != "Largest ocean?" || list[2].Order != 2 {
		t.Fatalf("imported questions must follow existing ones, got %+v", list)
	}
	if got := scores(list[1]); !reflect.DeepEqual(got, []float64{10, 0}) {
		t.Fatalf("unexpected k1 scores %v", got)
	}
	k3 := list[2]
	if !k3.Multiple || k3.Duration != 45 {
		t.Fatalf("unexpected k3 settings %+v", k3)
	}
	if got := scores(k3); !reflect.DeepEqual(got, []float64{5, 5, 0}) {
		t.Fatalf("unexpected k3 scores %v", got)
	}
}

func TestBulkImportOptionsSkipsShortGroups(t *testing.T) {
	host := attach(t, crdt.NewDoc(), newTestClock(), "host", true)
	q := addQuestion(t, host, "Lonely")

	res, err := host.Questions.BulkImportOptions([]domain.OptionRow{
		{QuestionID: q.ID, Text: "only one", Correct: boolPtr(true)},
		{QuestionID: "missing", Text: "a"},
		{QuestionID: "missing", Text: "b"},
	}, nil)
	if err != nil {
		t.Fatalf("import options: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got, _ := host.Questions.Get(q.ID); !reflect.DeepEqual(got.Options, q.Options) {
		t.Fatalf("skipped group must leave options untouched")
	}
}
