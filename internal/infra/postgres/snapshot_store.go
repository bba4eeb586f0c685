package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// SnapshotStore keeps the latest encoded document state per room.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// LoadSnapshot returns nil, nil when the room was never saved.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM room_snapshots WHERE room_id=$1`, roomID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}
	return state, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, roomID string, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, state) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET state=EXCLUDED.state, updated_at=now()`,
		roomID, state)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", roomID, err)
	}
	return nil
}
