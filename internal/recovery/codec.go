package recovery

import (
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeSnapshot renders a snapshot into its on-disk wire form: the
// msgpack-encoded payload followed by a trailing 4-byte big-endian CRC32
// of that payload, matching the "content-addressed binary snapshot ...
// ends with a CRC32 of its payload" layout.
func encodeSnapshot(s snapshot) ([]byte, error) {
	payload, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("recovery: marshal snapshot: %w", err)
	}
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	out[len(payload)] = byte(sum >> 24)
	out[len(payload)+1] = byte(sum >> 16)
	out[len(payload)+2] = byte(sum >> 8)
	out[len(payload)+3] = byte(sum)
	return out, nil
}

// decodeSnapshot validates the trailing CRC32 against the payload and, if
// it matches, unmarshals the snapshot.
func decodeSnapshot(raw []byte) (snapshot, error) {
	if len(raw) < 4 {
		return snapshot{}, fmt.Errorf("recovery: checkpoint too short (%d bytes)", len(raw))
	}
	payload := raw[:len(raw)-4]
	trailer := raw[len(raw)-4:]
	want := uint32(trailer[0])<<24 | uint32(trailer[1])<<16 | uint32(trailer[2])<<8 | uint32(trailer[3])
	got := crc32.ChecksumIEEE(payload)
	if got != want {
		return snapshot{}, fmt.Errorf("recovery: checkpoint CRC mismatch: want %08x, got %08x", want, got)
	}

	var s snapshot
	if err := msgpack.Unmarshal(payload, &s); err != nil {
		return snapshot{}, fmt.Errorf("recovery: unmarshal snapshot: %w", err)
	}
	if s.Version > snapshotVersion {
		return snapshot{}, fmt.Errorf("recovery: checkpoint version %d newer than supported %d", s.Version, snapshotVersion)
	}
	return s, nil
}
