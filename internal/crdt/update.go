package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ID identifies an operation: a Lamport clock plus the replica that produced it.
// IDs are totally ordered by clock, then client.
type ID struct {
	Clock  uint64 `msgpack:"c"`
	Client string `msgpack:"r"`
}

func (a ID) IsZero() bool {
	return a.Clock == 0 && a.Client == ""
}

// Less reports whether a sorts before b.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

func (a ID) String() string {
	return fmt.Sprintf("%d@%s", a.Clock, a.Client)
}

// OpKind enumerates the primitive mutations.
type OpKind uint8

const (
	OpMapSet OpKind = iota + 1
	OpMapDelete
	OpArrayInsert
	OpArrayDelete
)

// Op is one primitive mutation against a named shared type.
type Op struct {
	Kind   OpKind `msgpack:"k"`
	Target string `msgpack:"t"`
	ID     ID     `msgpack:"i"`
	Key    string `msgpack:"key,omitempty"`
	Origin ID     `msgpack:"o"`
	Ref    ID     `msgpack:"ref"`
	Value  []byte `msgpack:"v,omitempty"`
}

// Update is the unit exchanged between replicas: the ops of one transaction, or a full state.
type Update struct {
	Ops []Op `msgpack:"ops"`
}

// Encode serializes the update for the wire.
func (u Update) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(&u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return b, nil
}

// DecodeUpdate parses bytes produced by Update.Encode.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := msgpack.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	for _, op := range u.Ops {
		if op.Kind < OpMapSet || op.Kind > OpArrayDelete || op.Target == "" {
			return Update{}, fmt.Errorf("decode update: malformed op %v on %q", op.Kind, op.Target)
		}
	}
	return u, nil
}
