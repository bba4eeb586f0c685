package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Relay fans room updates out to every instance over Redis pub/sub (channel room:{id}:relay).
// Messages carry the publishing instance id so an instance skips its own.
type Relay struct {
	client   *redis.Client
	instance string
	log      *slog.Logger
}

type envelope struct {
	Instance string `msgpack:"i"`
	Payload  []byte `msgpack:"p"`
}

func NewRelay(client *redis.Client) *Relay {
	return &Relay{
		client:   client,
		instance: uuid.NewString(),
		log:      slog.Default(),
	}
}

func (r *Relay) Publish(ctx context.Context, roomID string, update []byte) error {
	raw, err := msgpack.Marshal(&envelope{Instance: r.instance, Payload: update})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(roomID), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", roomID, err)
	}
	return nil
}

// Subscribe delivers every foreign message for roomID to fn from a background goroutine until
// cancel is called.
func (r *Relay) Subscribe(ctx context.Context, roomID string, fn func(update []byte)) (func(), error) {
	sub := r.client.Subscribe(ctx, r.channel(roomID))
	// wait for the confirmation so nothing published after Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", roomID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var env envelope
			if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed relay message", "room", roomID, "err", err)
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			fn(env.Payload)
		}
	}()

	return func() {
		_ = sub.Close()
		<-done
	}, nil
}

func (r *Relay) channel(roomID string) string {
	return "room:" + roomID + ":relay"
}
