package common

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ReplicaID identifies one replica of a replicated value.
// Every mutation a replica performs is stamped with its ReplicaID.
type ReplicaID = uint64

// NewReplicaID creates a new random ReplicaID.
// The value is taken from the random tail of a UUID v7, so two replicas created
// on different machines at the same instant still get distinct ids.
func NewReplicaID() ReplicaID {
	const retry = 3

	var (
		id  uuid.UUID
		err error
	)
	for i := 0; i < retry; i++ {
		id, err = uuid.NewV7()
		if err == nil {
			break
		}
	}

	if err != nil {
		// Entropy source failed; fall back to the clock rather than crash.
		return ReplicaID(time.Now().UnixNano()) | 1
	}

	r := binary.BigEndian.Uint64(id[8:])
	if r == 0 {
		r = 1
	}
	return r
}

// ReplicaIDFromUUID folds a UUID into a ReplicaID.
func ReplicaIDFromUUID(id uuid.UUID) ReplicaID {
	return binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:])
}

// ParseReplicaID parses either a decimal ReplicaID or a UUID string.
func ParseReplicaID(s string) (ReplicaID, error) {
	if r, err := strconv.ParseUint(s, 10, 64); err == nil {
		return r, nil
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid replica id %q: %w", s, err)
	}
	return ReplicaIDFromUUID(id), nil
}
