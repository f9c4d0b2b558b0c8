package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"crdtkit/codec"
	"crdtkit/common"
)

// headerSize is the length prefix plus the checksum.
const headerSize = 8

// OpKind tags a journal entry.
type OpKind uint8

const (
	// OpSnapshot replaces the accumulated state.
	OpSnapshot OpKind = iota + 1
	// OpDelta is merged into the accumulated state.
	OpDelta
)

func (k OpKind) String() string {
	switch k {
	case OpSnapshot:
		return "snapshot"
	case OpDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// op is the payload of one entry. State is encoded with the codec named by
// Format so journals written with either format can be replayed.
type op struct {
	Kind   OpKind
	Format codec.Format
	State  []byte
}

// encodeEntry frames state as [len][crc][payload], all little-endian.
func encodeEntry(c codec.Codec, kind OpKind, state any) ([]byte, error) {
	encoded, err := c.Encode(state)
	if err != nil {
		return nil, err
	}

	payload, err := codec.GobMarshal(op{Kind: kind, Format: c.Format(), State: encoded})
	if err != nil {
		return nil, common.ErrSerialization{Op: "journal entry encode", Err: err}
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// frame is one complete, checksummed entry found in a journal file.
type frame struct {
	Offset  int
	Payload []byte
}

// scanFrames splits data into frames. It stops without error at a partial
// header or a length that runs past the end of data, and returns the offset
// where the valid prefix ends. A checksum mismatch is reported as
// ErrJournalCorrupted.
func scanFrames(data []byte) ([]frame, int, error) {
	var frames []frame
	off := 0
	for off < len(data) {
		if len(data)-off < headerSize {
			break
		}
		length := uint64(binary.LittleEndian.Uint32(data[off : off+4]))
		sum := binary.LittleEndian.Uint32(data[off+4 : off+8])
		end := uint64(off) + headerSize + length
		if end > uint64(len(data)) {
			break
		}

		payload := data[off+headerSize : int(end)]
		if crc32.ChecksumIEEE(payload) != sum {
			return frames, off, errors.Wrapf(common.ErrJournalCorrupted, "at offset %d", off)
		}
		frames = append(frames, frame{Offset: off, Payload: payload})
		off = int(end)
	}
	return frames, off, nil
}

// decodeOp unpacks a frame payload.
func decodeOp(payload []byte) (op, error) {
	var o op
	if err := codec.GobUnmarshal(payload, &o); err != nil {
		return o, common.ErrSerialization{Op: "journal entry decode", Err: err}
	}
	if o.Kind != OpSnapshot && o.Kind != OpDelta {
		return o, common.ErrSerialization{Op: "journal entry decode", Err: errors.Errorf("unknown op kind %d", o.Kind)}
	}
	return o, nil
}
