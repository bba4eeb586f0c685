package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-room-service/internal/domain"
)

func TestQuestionSetRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		QuestionSetLoader: NewStaticQuestionSetLoader(map[string]domain.QuestionSet{
			"geo": sampleSet(),
		}),
	}
	repo := NewQuestionSetRepository(loader, time.Minute)

	if _, err := repo.GetQuestionSet(context.Background(), "geo"); err != nil {
		t.Fatalf("get set: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader once, got %d", loader.count())
	}

	if _, err := repo.GetQuestionSet(context.Background(), "geo"); err != nil {
		t.Fatalf("get set 2: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.count())
	}

	repo.Invalidate("geo")
	if _, err := repo.GetQuestionSet(context.Background(), "geo"); err != nil {
		t.Fatalf("get set 3: %v", err)
	}
	if loader.count() != 2 {
		t.Fatalf("expected reload after invalidate, loader calls %d", loader.count())
	}
}

func TestQuestionSetRepositoryExpires(t *testing.T) {
	loader := &countingLoader{
		QuestionSetLoader: NewStaticQuestionSetLoader(map[string]domain.QuestionSet{"geo": sampleSet()}),
	}
	repo := NewQuestionSetRepository(loader, time.Minute)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	repo.clock = func() time.Time { return now }

	_, _ = repo.GetQuestionSet(context.Background(), "geo")
	now = now.Add(2 * time.Minute)
	_, _ = repo.GetQuestionSet(context.Background(), "geo")
	if loader.count() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.count())
	}
}

func TestQuestionSetRepositoryUnknown(t *testing.T) {
	repo := NewQuestionSetRepository(NewStaticQuestionSetLoader(nil), time.Minute)
	if _, err := repo.GetQuestionSet(context.Background(), "missing"); !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type countingLoader struct {
	QuestionSetLoader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadQuestionSet(ctx context.Context, id string) (domain.QuestionSet, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.QuestionSetLoader.LoadQuestionSet(ctx, id)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleSet() domain.QuestionSet {
	correct := true
	return domain.QuestionSet{
		ID:    "geo",
		Title: "Geography",
		Questions: []domain.QuestionRow{
			{Key: "k1", Text: "Largest ocean?"},
		},
		Options: []domain.OptionRow{
			{QuestionID: "k1", Text: "Pacific", Correct: &correct},
			{QuestionID: "k1", Text: "Atlantic"},
		},
	}
}
