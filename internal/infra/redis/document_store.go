package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quiz-room-service/internal/crdt"
)

// SnapshotLoader returns the last saved full state of a room, or nil if there is none.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
}

// DocumentStore is a Redis-backed implementation of app.DocumentRepository.
// Notes:
//   - Live documents are kept in a local map; Redis holds the update log
//     (RPUSH room:{id}:updates) so another instance, or this one after a restart,
//     can rebuild the room by replaying it.
//   - A liveness key (room:{id}:live) marks rooms hosted somewhere, for operators
//     inspecting Redis; it expires with the log.
//   - Evict compacts the log into one full-state entry.
type DocumentStore struct {
	client *redis.Client
	loader SnapshotLoader
	ttl    time.Duration
	log    *slog.Logger
	sf     singleflight.Group

	mu   sync.RWMutex
	docs map[string]*hosted
}

type hosted struct {
	doc    *crdt.Doc
	cancel func()
}

// NewDocumentStore creates a store. loader may be nil; ttl bounds how long an idle update log
// and liveness key survive.
func NewDocumentStore(client *redis.Client, loader SnapshotLoader, ttl time.Duration) *DocumentStore {
	return &DocumentStore{
		client: client,
		loader: loader,
		ttl:    ttl,
		log:    slog.Default(),
		docs:   make(map[string]*hosted),
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
		doc, err := s.restore(ctx, roomID)
		if err != nil {
			return nil, err
		}
		cancel := doc.OnUpdate(func(u crdt.Update, _ any) {
			s.append(roomID, u)
		})

		s.mu.Lock()
		s.docs[roomID] = &hosted{doc: doc, cancel: cancel}
		s.mu.Unlock()

		// best-effort liveness marker
		_ = s.client.Set(ctx, s.liveKey(roomID), "1", s.ttl).Err()
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
	h, ok := s.docs[roomID]
	if !ok {
		return nil, false
	}
	return h.doc, true
}

// Evict stops logging the room's updates, compacts its log and forgets it locally.
func (s *DocumentStore) Evict(ctx context.Context, roomID string) error {
	s.mu.Lock()
	h, ok := s.docs[roomID]
	delete(s.docs, roomID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	h.cancel()

	state, err := h.doc.EncodeState().Encode()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.updatesKey(roomID))
		pipe.RPush(ctx, s.updatesKey(roomID), state)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.updatesKey(roomID), s.ttl)
		}
		pipe.Del(ctx, s.liveKey(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("compact room %s: %w", roomID, err)
	}
	return nil
}

func (s *DocumentStore) restore(ctx context.Context, roomID string) (*crdt.Doc, error) {
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

	entries, err := s.client.LRange(ctx, s.updatesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read update log %s: %w", roomID, err)
	}
	for i, entry := range entries {
		if _, err := doc.ApplyEncoded([]byte(entry), nil); err != nil {
			s.log.Warn("skipping corrupt update log entry", "room", roomID, "index", i, "err", err)
		}
	}
	return doc, nil
}

func (s *DocumentStore) append(roomID string, u crdt.Update) {
	raw, err := u.Encode()
	if err != nil {
		s.log.Error("encode update for log failed", "room", roomID, "err", err)
		return
	}
	ctx := context.Background()
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.updatesKey(roomID), raw)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.updatesKey(roomID), s.ttl)
		pipe.Expire(ctx, s.liveKey(roomID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("append update log failed", "room", roomID, "err", err)
	}
}

func (s *DocumentStore) updatesKey(roomID string) string {
	return "room:" + roomID + ":updates"
}

func (s *DocumentStore) liveKey(roomID string) string {
	return "room:" + roomID + ":live"
}
