package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Options configures the NATS connection.
type Options struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Relay fans room updates out to every instance over core NATS subjects
// (quiz.room.{id}.updates). The connection is opened with NoEcho, so an instance never
// receives its own messages.
type Relay struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect opens the NATS connection used by the relay.
func Connect(opts Options) (*Relay, error) {
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name("quiz-room-service"),
		nats.NoEcho(),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	return &Relay{conn: conn, logger: slog.Default()}, nil
}

func (r *Relay) Publish(_ context.Context, roomID string, update []byte) error {
	if err := r.conn.Publish(subject(roomID), update); err != nil {
		return fmt.Errorf("publish %s: %w", roomID, err)
	}
	return nil
}

// Subscribe delivers every message for roomID to fn until cancel is called. NATS calls fn
// sequentially per subscription.
func (r *Relay) Subscribe(_ context.Context, roomID string, fn func(update []byte)) (func(), error) {
	sub, err := r.conn.Subscribe(subject(roomID), func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", roomID, err)
	}
	// make sure the server registered the interest before returning
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", roomID, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("unsubscribe failed", "room", roomID, "err", err)
		}
	}, nil
}

// Close drains pending messages and closes the connection.
func (r *Relay) Close() error {
	return r.conn.Drain()
}

func subject(roomID string) string {
	return "quiz.room." + roomID + ".updates"
}
