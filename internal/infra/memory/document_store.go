package memory

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"quiz-room-service/internal/crdt"
)

// SnapshotLoader returns the last saved full state of a room, or nil if there is none.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
}

// DocumentStore is an in-memory implementation of app.DocumentRepository.
type DocumentStore struct {
	loader SnapshotLoader
	sf     singleflight.Group

	mu   sync.RWMutex
	docs map[string]*crdt.Doc
}

// NewDocumentStore creates a store; loader may be nil, in which case rooms start empty.
func NewDocumentStore(loader SnapshotLoader) *DocumentStore {
	return &DocumentStore{
		loader: loader,
		docs:   make(map[string]*crdt.Doc),
	}
}

func (s *DocumentStore) GetOrCreate(ctx context.Context, roomID string) (*crdt.Doc, error) {
	if doc, ok := s.Get(roomID); ok {
		return doc, nil
	}
	result, err, _ := s.sf.Do(roomID, func() (interface{}, error) {
		if doc, ok := s.Get(roomID); ok {
			return doc, nil
		}
		doc := crdt.NewDoc()
		if s.loader != nil {
			state, err := s.loader.LoadSnapshot(ctx, roomID)
			if err != nil {
				return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
			}
			if len(state) > 0 {
				if _, err := doc.ApplyEncoded(state, nil); err != nil {
					return nil, fmt.Errorf("restore snapshot %s: %w", roomID, err)
				}
			}
		}
		s.mu.Lock()
		s.docs[roomID] = doc
		s.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*crdt.Doc), nil
}

func (s *DocumentStore) Get(roomID string) (*crdt.Doc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[roomID]
	return doc, ok
}

func (s *DocumentStore) Evict(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, roomID)
	return nil
}

// StaticSnapshots is a map-backed snapshot store (useful for tests/demos).
type StaticSnapshots struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewStaticSnapshots() *StaticSnapshots {
	return &StaticSnapshots{states: make(map[string][]byte)}
}

func (s *StaticSnapshots) LoadSnapshot(_ context.Context, roomID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[roomID], nil
}

func (s *StaticSnapshots) SaveSnapshot(_ context.Context, roomID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[roomID] = append([]byte(nil), state...)
	return nil
}
