package crdtpubsub

import (
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"

	"crdtkit/codec"
	"crdtkit/common"
)

// Envelope wraps every message put on a Channel.
type Envelope struct {
	// ID is unique per message and roughly time ordered.
	ID snowflake.ID `json:"id"`
	// Origin is the replica that published the message.
	Origin common.ReplicaID `json:"origin"`
	// Format names the codec of Payload.
	Format codec.Format `json:"format"`
	// Payload is the encoded state or delta.
	Payload []byte `json:"payload"`
}

// Sealer creates envelopes for one replica.
type Sealer struct {
	origin common.ReplicaID
	node   *snowflake.Node
}

// NewSealer creates a Sealer for origin. The snowflake node number is
// derived from the replica id.
func NewSealer(origin common.ReplicaID) (*Sealer, error) {
	node, err := snowflake.NewNode(int64(origin % 1024))
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	return &Sealer{origin: origin, node: node}, nil
}

// Origin returns the replica the Sealer stamps on envelopes.
func (s *Sealer) Origin() common.ReplicaID {
	return s.origin
}

// Seal wraps payload and encodes the envelope.
func (s *Sealer) Seal(format codec.Format, payload []byte) ([]byte, error) {
	env := Envelope{
		ID:      s.node.Generate(),
		Origin:  s.origin,
		Format:  format,
		Payload: payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, common.ErrSerialization{Op: "envelope encode", Err: err}
	}
	return data, nil
}

// Open decodes an envelope.
func Open(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, common.ErrSerialization{Op: "envelope decode", Err: err}
	}
	if env.Origin == 0 {
		return env, common.ErrSerialization{Op: "envelope decode", Err: fmt.Errorf("missing origin")}
	}
	return env, nil
}
