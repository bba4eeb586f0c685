package app

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"quiz-room-service/internal/crdt"
)

// relayMessage is what instances exchange for one room. An instance that starts hosting a room
// sends its state with Hello set; every peer answers with its own full state, so a late
// instance catches up on history it never saw relayed.
type relayMessage struct {
	Hello  bool   `msgpack:"h,omitempty"`
	Update []byte `msgpack:"u"`
}

func encodeRelayMessage(m relayMessage) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func decodeRelayMessage(b []byte) (relayMessage, error) {
	var m relayMessage
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return relayMessage{}, fmt.Errorf("decode relay message: %w", err)
	}
	return m, nil
}

func (s *RoomService) publish(roomID string, m relayMessage) {
	raw, err := encodeRelayMessage(m)
	if err != nil {
		s.log.Error("encode relay message failed", "room", roomID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.opts.Relay.Publish(ctx, roomID, raw); err != nil {
		s.log.Warn("relay publish failed", "room", roomID, "err", err)
	}
}

func (s *RoomService) publishState(roomID string, doc *crdt.Doc, hello bool) {
	state, err := doc.EncodeState().Encode()
	if err != nil {
		s.log.Error("encode state failed", "room", roomID, "err", err)
		return
	}
	s.publish(roomID, relayMessage{Hello: hello, Update: state})
}

func (s *RoomService) receive(roomID string, doc *crdt.Doc, raw []byte) {
	m, err := decodeRelayMessage(raw)
	if err != nil {
		s.log.Warn("dropping relay message", "room", roomID, "err", err)
		return
	}
	if len(m.Update) > 0 {
		if _, err := doc.ApplyEncoded(m.Update, fromRelay); err != nil {
			s.log.Warn("dropping relayed update", "room", roomID, "err", err)
			return
		}
	}
	if m.Hello {
		s.publishState(roomID, doc, false)
	}
}
